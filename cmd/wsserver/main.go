package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/auth"
	"github.com/whisper/rtchat/internal/config"
	"github.com/whisper/rtchat/internal/delivery"
	"github.com/whisper/rtchat/internal/gateway"
	"github.com/whisper/rtchat/internal/logging"
	"github.com/whisper/rtchat/internal/messaging"
	"github.com/whisper/rtchat/internal/presence"
	"github.com/whisper/rtchat/internal/ratelimit"
	"github.com/whisper/rtchat/internal/reaction"
	"github.com/whisper/rtchat/internal/signaling"
	"github.com/whisper/rtchat/internal/store"
	"github.com/whisper/rtchat/internal/store/postgres"
	"github.com/whisper/rtchat/internal/typing"
	"github.com/whisper/rtchat/internal/ws"
)

// messageStore is what the gateway needs from a message backend.
type messageStore interface {
	store.MessageStore
	Insert(ctx context.Context, msg store.Message) error
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Redis ---
	var (
		rdb           *redis.Client
		presenceStore presence.Store = presence.NewMemoryStore()
		limiter       ratelimit.Checker
		memLimiter    *ratelimit.Memory
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		presenceStore = presence.NewRedisStore(rdb, cfg.ServerName)
		limiter = ratelimit.NewLimiter(rdb)
	} else {
		memLimiter = ratelimit.NewMemory()
		limiter = memLimiter
	}

	// --- Postgres ---
	var messages messageStore = store.NewMemory()
	var pg *postgres.Store
	if cfg.DatabaseURL != "" {
		pg, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		messages = pg
	}

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	}

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.ListenAddr
	serverCfg.WorkerPoolSize = cfg.WorkerPoolSize
	serverCfg.MaxConnections = cfg.MaxConnections
	serverCfg.MaxFrameSize = cfg.MaxFrameSize
	serverCfg.ReadTimeout = cfg.ReadTimeout
	serverCfg.WriteTimeout = cfg.WriteTimeout
	serverCfg.Heartbeat = ws.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(serverCfg, dispatcher.Dispatch)

	registry := presence.NewRegistry(server, presenceStore)
	pipeline := delivery.NewPipeline(messages, registry, server)
	gw := gateway.New(gateway.Deps{
		Sender:    server,
		Registry:  registry,
		Typing:    typing.NewCoordinator(registry, server, cfg.TypingTimeout),
		Delivery:  pipeline,
		Reactions: reaction.NewCoordinator(messages, registry, server),
		Relay:     signaling.NewRelay(registry, server),
		Limiter:   limiter,
		Verifier:  verifier,
	})
	gw.Register(dispatcher)
	server.SetOnDisconnect(gw.Disconnect)

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "rtchat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsCfg)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		feed := messaging.NewFeed(messages, pipeline, registry, server)
		if err := feed.Start(natsClient); err != nil {
			log.Fatalf("failed to subscribe to message events: %v", err)
		}
	}

	log.WithFields(log.Fields{
		"listen_addr":   cfg.ListenAddr,
		"server_name":   cfg.ServerName,
		"redis":         cfg.RedisAddr != "",
		"postgres":      cfg.DatabaseURL != "",
		"nats":          cfg.NATSURL != "",
		"typing_expiry": cfg.TypingTimeout,
	}).Infof("rtchat gateway starting: %s", gw)

	stopPrune := make(chan struct{})
	if memLimiter != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-stopPrune:
					return
				case <-ticker.C:
					if n := memLimiter.Prune(10 * time.Minute); n > 0 {
						log.Debugf("[ratelimit] pruned %d idle buckets", n)
					}
				}
			}
		}()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, initiating graceful shutdown...", sig)
		close(stopPrune)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown error: %v", err)
		}
		if pg != nil {
			if err := pg.Close(); err != nil {
				log.Errorf("database close error: %v", err)
			}
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Errorf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
