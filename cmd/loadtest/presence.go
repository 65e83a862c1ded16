package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/rtchat/internal/loadstats"
	"github.com/whisper/rtchat/internal/protocol"
)

// runPresence opens identified connections, ramping up over a configurable
// duration, then holds them while every user polls the status of another.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of users to connect")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all users are connected")
	poll := fs.Duration("poll", 5*time.Second, "Interval between status lookups per user")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	secret := fs.String("jwt-secret", "", "Sign user tokens with this secret")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Presence test: %d users to %s (ramp=%s, hold=%s, poll=%s)\n",
		*connections, *url, *rampUp, *hold, *poll)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	d := newDialer(*url, *secret, collector)

	var mu sync.Mutex
	users := make([]*user, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

ramp:
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
			break ramp
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			u, err := d.connect(dialCtx, fmt.Sprintf("load-user-%d", i))
			if err != nil {
				return
			}
			mu.Lock()
			users = append(users, u)
			mu.Unlock()
		}(i)
		time.Sleep(interval)
	}
	wg.Wait()
	fmt.Printf("Connected %d/%d users (errors=%d)\n", collector.ConnectionCount(), *connections, collector.ErrorCount())

	fmt.Println("\n--- Hold phase ---")
	holdCtx, cancel := context.WithTimeout(ctx, *hold)
	defer cancel()

	var dropped atomic.Int64
	for i, u := range users {
		target := users[(i+1)%len(users)].id
		wg.Add(1)
		go func(u *user, target string) {
			defer wg.Done()
			ticker := time.NewTicker(*poll)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-holdCtx.Done():
					return
				case <-u.c.Done():
					dropped.Add(1)
					return
				case <-ticker.C:
				}
				seq++
				reqID := fmt.Sprintf("%s-%d", u.id, seq)
				start := time.Now()
				if err := u.c.Send(protocol.TypeGetUserStatus, protocol.GetUserStatusMsg{UserID: target, RequestID: reqID}); err != nil {
					collector.AddError()
					continue
				}
				waitCtx, cancel := context.WithTimeout(holdCtx, 5*time.Second)
				ev, err := u.await(waitCtx, protocol.TypeUserStatusResult, func(m interface{}) bool {
					r, ok := m.(protocol.UserStatusResultMsg)
					return ok && r.RequestID == reqID
				})
				cancel()
				if err != nil {
					if holdCtx.Err() == nil {
						collector.AddError()
					}
					continue
				}
				collector.Add("status", ev.at.Sub(start))
			}
		}(u, target)
	}
	wg.Wait()
	fmt.Printf("Dropped during hold: %d\n", dropped.Load())

	for _, u := range users {
		_ = u.c.Close()
	}
	scraper.Stop()
	collector.Report(os.Stdout)
}
