package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/rtchat/internal/loadstats"
	"github.com/whisper/rtchat/internal/protocol"
)

// runSignal connects user pairs. Within each pair the first user sends a
// typing indicator every interval and, every call-every rounds, rings the
// other, who accepts before the caller hangs up.
func runSignal(args []string) {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair runs")
	interval := fs.Duration("interval", time.Second, "Interval between typing rounds")
	callEvery := fs.Int("call-every", 15, "Place a call every N rounds (0 disables calls)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups")
	secret := fs.String("jwt-secret", "", "Sign user tokens with this secret")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Signal test: %d pairs to %s (duration=%s, interval=%s, call-every=%d)\n",
		*pairs, *url, *duration, *interval, *callEvery)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	d := newDialer(*url, *secret, collector)
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *pairs; i++ {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			a, errA := d.connect(dialCtx, fmt.Sprintf("sig-a-%d", i))
			b, errB := d.connect(dialCtx, fmt.Sprintf("sig-b-%d", i))
			cancel()
			<-sem
			if errA != nil || errB != nil {
				for _, u := range []*user{a, b} {
					if u != nil {
						_ = u.c.Close()
					}
				}
				return
			}
			defer a.c.Close()
			defer b.c.Close()

			runCtx, cancel := context.WithTimeout(ctx, *duration)
			defer cancel()
			runPair(runCtx, collector, a, b, fmt.Sprintf("conv-%d", i), *interval, *callEvery)
		}(i)
	}
	wg.Wait()

	scraper.Stop()
	collector.Report(os.Stdout)
}

func runPair(ctx context.Context, collector *loadstats.Collector, a, b *user, conversationID string, interval time.Duration, callEvery int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := typingRound(ctx, collector, a, b, conversationID); err != nil {
			if ctx.Err() == nil {
				collector.AddError()
			}
			continue
		}
		if callEvery > 0 && round%callEvery == 0 {
			if err := callRound(ctx, collector, a, b); err != nil && ctx.Err() == nil {
				collector.AddError()
			}
		}
	}
}

func typingRound(ctx context.Context, collector *loadstats.Collector, a, b *user, conversationID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := protocol.TypingMsg{ConversationID: conversationID, ReceiverID: b.id}
	start := time.Now()
	if err := a.c.Send(protocol.TypeTypingStart, msg); err != nil {
		return err
	}
	ev, err := b.await(waitCtx, protocol.TypeUserTyping, func(m interface{}) bool {
		t, ok := m.(protocol.UserTypingMsg)
		return ok && t.IsTyping && t.ConversationID == conversationID
	})
	if err != nil {
		return err
	}
	collector.Add("typing", ev.at.Sub(start))
	return a.c.Send(protocol.TypeTypingStop, msg)
}

func callRound(ctx context.Context, collector *loadstats.Collector, a, b *user) error {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := a.c.Send(protocol.TypeInitiateCall, protocol.InitiateCallMsg{
		CallerID:   a.id,
		ReceiverID: b.id,
		CallType:   protocol.CallTypeAudio,
	}); err != nil {
		return err
	}
	ev, err := b.await(waitCtx, protocol.TypeCallInitiated, nil)
	if err != nil {
		return err
	}
	collector.Add("call_invite", ev.at.Sub(start))
	callID := ev.msg.(protocol.CallInitiatedMsg).CallID

	start = time.Now()
	if err := b.c.Send(protocol.TypeAcceptCall, protocol.AcceptCallMsg{CallerID: a.id, CallID: callID}); err != nil {
		return err
	}
	if ev, err = a.await(waitCtx, protocol.TypeCallAccepted, nil); err != nil {
		return err
	}
	collector.Add("call_accept", ev.at.Sub(start))

	if err := a.c.Send(protocol.TypeEndCall, protocol.EndCallMsg{CallID: callID, ParticipantID: b.id}); err != nil {
		return err
	}
	_, err = b.await(waitCtx, protocol.TypeCallEnded, nil)
	return err
}
