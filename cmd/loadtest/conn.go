package main

import (
	"context"
	"fmt"
	"time"

	"github.com/whisper/rtchat/internal/auth"
	"github.com/whisper/rtchat/internal/client"
	"github.com/whisper/rtchat/internal/loadstats"
)

// event is one server message with its arrival time.
type event struct {
	typ string
	msg interface{}
	at  time.Time
}

// user is a simulated participant.
type user struct {
	id     string
	c      *client.Client
	events chan event
}

// dialer connects simulated users and records their handshake latency.
type dialer struct {
	url       string
	verifier  *auth.Verifier
	collector *loadstats.Collector
}

func newDialer(url, secret string, collector *loadstats.Collector) *dialer {
	d := &dialer{url: url, collector: collector}
	if secret != "" {
		d.verifier = auth.NewVerifier(secret)
	}
	return d
}

// connect dials the gateway as userID and waits until the user is
// identified.
func (d *dialer) connect(ctx context.Context, userID string) (*user, error) {
	var token string
	if d.verifier != nil {
		var err error
		if token, err = d.verifier.Issue(userID, time.Hour); err != nil {
			return nil, err
		}
	}

	u := &user{id: userID, events: make(chan event, 256)}
	start := time.Now()
	c, err := client.Dial(ctx, client.Config{URL: d.url, UserID: userID, Token: token},
		func(msgType string, msg interface{}) {
			select {
			case u.events <- event{typ: msgType, msg: msg, at: time.Now()}:
			default:
			}
		})
	if err != nil {
		d.collector.AddError()
		return nil, err
	}
	if err := c.WaitForSession(ctx); err != nil {
		_ = c.Close()
		d.collector.AddError()
		return nil, err
	}
	u.c = c
	d.collector.AddConnect(time.Since(start))
	return u, nil
}

// await returns the first event of type typ matching accept, discarding
// others.
func (u *user) await(ctx context.Context, typ string, accept func(interface{}) bool) (event, error) {
	for {
		select {
		case ev := <-u.events:
			if ev.typ == typ && (accept == nil || accept(ev.msg)) {
				return ev, nil
			}
		case <-u.c.Done():
			return event{}, fmt.Errorf("%s: connection closed: %w", u.id, u.c.Err())
		case <-ctx.Done():
			return event{}, fmt.Errorf("%s: waiting for %s: %w", u.id, typ, ctx.Err())
		}
	}
}
