// Package typing relays typing indicators between conversation partners and
// clears them automatically when the typist goes quiet.
package typing

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/protocol"
)

// DefaultTimeout is how long a typing indicator lives without a refresh.
const DefaultTimeout = 5 * time.Second

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Locator resolves a user to its current connection.
type Locator interface {
	Lookup(userID string) (string, bool)
}

type key struct {
	userID         string
	conversationID string
}

type entry struct {
	receiverID string
	timer      *time.Timer
}

// Coordinator holds the active typing indicators. There is at most one
// pending expiry timer per (user, conversation).
type Coordinator struct {
	mu      sync.Mutex
	entries map[key]*entry

	locator Locator
	sender  Sender
	timeout time.Duration
}

// NewCoordinator creates a Coordinator; a non-positive timeout selects
// DefaultTimeout.
func NewCoordinator(locator Locator, sender Sender, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		entries: make(map[key]*entry),
		locator: locator,
		sender:  sender,
		timeout: timeout,
	}
}

// Start marks userID as typing in conversationID, notifies the receiver and
// (re)arms the expiry timer. Any timer armed by an earlier Start for the
// same pair is cancelled.
func (c *Coordinator) Start(userID, conversationID, receiverID string) {
	k := key{userID, conversationID}
	e := &entry{receiverID: receiverID}

	c.mu.Lock()
	if prev, ok := c.entries[k]; ok {
		prev.timer.Stop()
	}
	c.entries[k] = e
	e.timer = time.AfterFunc(c.timeout, func() { c.expire(k, e) })
	c.mu.Unlock()

	c.notify(userID, conversationID, receiverID, true)
}

// Stop clears the indicator and notifies the receiver immediately.
func (c *Coordinator) Stop(userID, conversationID, receiverID string) {
	k := key{userID, conversationID}

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		e.timer.Stop()
		delete(c.entries, k)
	}
	c.mu.Unlock()

	c.notify(userID, conversationID, receiverID, false)
}

// StopAll clears every indicator of userID, telling each receiver the user
// stopped typing. It is used when the user disconnects.
func (c *Coordinator) StopAll(userID string) {
	type cleared struct {
		conversationID string
		receiverID     string
	}
	var out []cleared

	c.mu.Lock()
	for k, e := range c.entries {
		if k.userID != userID {
			continue
		}
		e.timer.Stop()
		delete(c.entries, k)
		out = append(out, cleared{k.conversationID, e.receiverID})
	}
	c.mu.Unlock()

	for _, cl := range out {
		c.notify(userID, cl.conversationID, cl.receiverID, false)
	}
}

// IsTyping reports whether userID currently has an active indicator in
// conversationID.
func (c *Coordinator) IsTyping(userID, conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key{userID, conversationID}]
	return ok
}

// expire runs on the timer goroutine. An entry that was replaced or removed
// after the timer was armed is left alone.
func (c *Coordinator) expire(k key, e *entry) {
	c.mu.Lock()
	if c.entries[k] != e {
		c.mu.Unlock()
		return
	}
	delete(c.entries, k)
	c.mu.Unlock()

	metrics.TypingExpired.Inc()
	c.notify(k.userID, k.conversationID, e.receiverID, false)
}

func (c *Coordinator) notify(userID, conversationID, receiverID string, typing bool) {
	connID, ok := c.locator.Lookup(receiverID)
	if !ok {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       typing,
	})
	if err != nil {
		log.Errorf("[typing] build user_typing: %v", err)
		return
	}
	if err := c.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[typing] send: %v", err)
	}
}
