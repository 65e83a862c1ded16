// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server configures cmd/wsserver. Empty REDIS_ADDR, DATABASE_URL or NATS_URL
// disable the corresponding backend; the gateway then runs with in-memory
// presence and message storage and no external message feed.
type Server struct {
	ListenAddr        string        `env:"LISTEN_ADDR"        envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE"   envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS"    envDefault:"100000"`
	MaxFrameSize      int64         `env:"MAX_FRAME_SIZE"     envDefault:"1048576"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT"       envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"      envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT"  envDefault:"10s"`

	NATSURL     string `env:"NATS_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	DatabaseURL string `env:"DATABASE_URL"`
	ServerName  string `env:"SERVER_NAME"`

	TypingTimeout time.Duration `env:"TYPING_TIMEOUT"  envDefault:"5s"`
	JWTSecret     string        `env:"AUTH_JWT_SECRET"`

	Log Log
}

// Agent configures cmd/callagent.
type Agent struct {
	ServerURL   string        `env:"AGENT_SERVER_URL"   envDefault:"ws://localhost:8080/ws"`
	UserID      string        `env:"AGENT_USER_ID,required,notEmpty"`
	Token       string        `env:"AGENT_TOKEN"`
	DisplayName string        `env:"AGENT_DISPLAY_NAME"`
	AutoAnswer  bool          `env:"AGENT_AUTO_ANSWER"  envDefault:"true"`
	Call        string        `env:"AGENT_CALL"`
	CallType    string        `env:"AGENT_CALL_TYPE"    envDefault:"audio"`
	Linger      time.Duration `env:"AGENT_LINGER"       envDefault:"2s"`
	STUNURLs    []string      `env:"STUN_URLS"          envDefault:"stun:stun.l.google.com:19302" envSeparator:","`

	Log Log
}

// Log selects the logrus level and formatter.
type Log struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// LoadServer parses the gateway configuration.
func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	if cfg.WorkerPoolSize <= 0 {
		return Server{}, fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", cfg.WorkerPoolSize)
	}
	if cfg.TypingTimeout <= 0 {
		return Server{}, fmt.Errorf("config: TYPING_TIMEOUT must be positive, got %s", cfg.TypingTimeout)
	}
	return cfg, nil
}

// LoadAgent parses the call agent configuration.
func LoadAgent() (Agent, error) {
	var cfg Agent
	if err := ParseEnv(&cfg); err != nil {
		return Agent{}, err
	}
	if cfg.CallType != "audio" && cfg.CallType != "video" {
		return Agent{}, fmt.Errorf("config: AGENT_CALL_TYPE must be audio or video, got %q", cfg.CallType)
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
