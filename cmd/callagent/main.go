// Command callagent is a headless call participant. It connects to the
// gateway as AGENT_USER_ID, answers incoming calls with static media and can
// place one call to AGENT_CALL on startup.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/call"
	"github.com/whisper/rtchat/internal/client"
	"github.com/whisper/rtchat/internal/config"
	"github.com/whisper/rtchat/internal/logging"
	"github.com/whisper/rtchat/internal/protocol"
)

// signaler sends through the client once it is connected.
type signaler struct {
	c atomic.Pointer[client.Client]
}

func (s *signaler) Send(msgType string, payload interface{}) error {
	c := s.c.Load()
	if c == nil {
		return errors.New("callagent: not connected")
	}
	return c.Send(msgType, payload)
}

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		log.Fatalf("logging: %v", err)
	}

	peers, err := call.NewPionFactory(cfg.STUNURLs)
	if err != nil {
		log.Fatalf("webrtc: %v", err)
	}

	sig := &signaler{}
	m := call.NewMachine(call.Config{
		UserID: cfg.UserID,
		Info:   protocol.CallerInfo{Username: cfg.DisplayName},
		Linger: cfg.Linger,
	}, sig, call.StaticSource{}, peers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.OnStateChange(func(s call.Snapshot) {
		log.WithFields(log.Fields{
			"call":   s.CallID,
			"peer":   s.PeerID,
			"type":   s.CallType,
			"reason": s.Reason,
		}).Infof("[agent] call %s", s.State)
	})
	m.OnIncoming(func(s call.Snapshot) {
		if !cfg.AutoAnswer {
			log.WithField("call", s.CallID).Infof("[agent] incoming %s call from %s, auto answer off", s.CallType, s.PeerID)
			return
		}
		go func() {
			if err := m.Accept(ctx); err != nil {
				log.WithField("call", s.CallID).Errorf("[agent] accept: %v", err)
			}
		}()
	})

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	c, err := client.Dial(dialCtx, client.Config{
		URL:    cfg.ServerURL,
		UserID: cfg.UserID,
		Token:  cfg.Token,
	}, func(msgType string, msg interface{}) {
		switch v := msg.(type) {
		case protocol.ErrorMsg:
			log.Warnf("[agent] gateway error %s: %s", v.Code, v.Message)
		case protocol.RateLimitedMsg:
			log.Warnf("[agent] rate limited, retry after %ds", v.RetryAfter)
		default:
			m.Handle(ctx, msgType, msg)
		}
	})
	if err != nil {
		log.Fatalf("dial %s: %v", cfg.ServerURL, err)
	}
	sig.c.Store(c)

	if err := c.WaitForSession(dialCtx); err != nil {
		log.Fatalf("session: %v", err)
	}
	log.WithFields(log.Fields{"user": cfg.UserID, "session": c.SessionID()}).Info("[agent] connected")

	if cfg.Call != "" {
		callID, err := m.Call(ctx, cfg.Call, cfg.CallType)
		if err != nil {
			log.Fatalf("call %s: %v", cfg.Call, err)
		}
		log.WithField("call", callID).Infof("[agent] calling %s", cfg.Call)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		log.Infof("received signal %v, hanging up", s)
	case <-c.Done():
		log.Errorf("connection lost: %v", c.Err())
	}

	m.Hangup(ctx)
	_ = c.Close()
}
