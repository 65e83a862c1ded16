// Package store defines the message view the real-time layer reads and
// mutates: delivery status and the per-message reaction set. Message content
// and conversations belong to the CRUD service; this layer only ever changes
// status and reactions.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a message does not exist.
var ErrNotFound = errors.New("store: message not found")

// Status is the delivery status of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Below returns every known status that ranks strictly lower than s, i.e.
// the statuses a message may be in for a transition to s to be a forward move.
func (s Status) Below() []Status {
	var out []Status
	for _, c := range []Status{StatusSent, StatusDelivered, StatusRead} {
		if c.Rank() < s.Rank() {
			out = append(out, c)
		}
	}
	return out
}

// Reaction is a single user's reaction on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is the status/reaction view of a chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Status         Status
	Reactions      []Reaction
}

// MessageStore persists status and reaction changes. Every status method is
// a conditional update: a message is only changed when the new status ranks
// higher than the stored one, and only changed messages are returned.
type MessageStore interface {
	// Get returns a single message or ErrNotFound.
	Get(ctx context.Context, id string) (Message, error)

	// DeliverPending moves every message addressed to receiverID that is
	// still sent to delivered.
	DeliverPending(ctx context.Context, receiverID string) ([]Message, error)

	// Advance moves the listed messages addressed to receiverID forward to
	// status to. Ids that are unknown, addressed to someone else or already
	// at or beyond to are skipped.
	Advance(ctx context.Context, receiverID string, ids []string, to Status) ([]Message, error)

	// UpdateReactions replaces the reaction set of a message with the result
	// of fn, atomically with respect to other updates of the same message.
	UpdateReactions(ctx context.Context, id string, fn func([]Reaction) []Reaction) (Message, error)
}
