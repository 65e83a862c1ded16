// Package reaction applies single-reaction-per-user changes to a message and
// broadcasts the resulting reaction list to both parties of the message.
package reaction

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/store"
)

// ErrNotParticipant is returned when the reacting user is neither the sender
// nor the receiver of the message.
var ErrNotParticipant = errors.New("reaction: user is not a participant of the message")

// Action describes what React did to the user's reaction.
type Action string

const (
	Added    Action = "added"
	Replaced Action = "replaced"
	Removed  Action = "removed"
)

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Locator resolves a user to its current connection.
type Locator interface {
	Lookup(userID string) (string, bool)
}

// Apply returns the reaction list after userID reacts with emoji: the same
// emoji again removes the user's entry, a different one replaces it in
// place, and otherwise a new entry is appended. rs is not modified.
func Apply(rs []store.Reaction, userID, emoji string) ([]store.Reaction, Action) {
	out := make([]store.Reaction, 0, len(rs)+1)
	action := Added
	for _, r := range rs {
		if r.UserID != userID {
			out = append(out, r)
			continue
		}
		if r.Emoji == emoji {
			action = Removed
			continue
		}
		action = Replaced
		out = append(out, store.Reaction{UserID: userID, Emoji: emoji})
	}
	if action == Added {
		out = append(out, store.Reaction{UserID: userID, Emoji: emoji})
	}
	return out, action
}

// Coordinator persists reaction changes and broadcasts them.
type Coordinator struct {
	store   store.MessageStore
	locator Locator
	sender  Sender
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s store.MessageStore, locator Locator, sender Sender) *Coordinator {
	return &Coordinator{store: s, locator: locator, sender: sender}
}

// React toggles or replaces userID's reaction on messageID, persists the
// result and then sends reaction_updated to the sender and receiver of the
// message if they are connected.
func (c *Coordinator) React(ctx context.Context, messageID, userID, emoji string) ([]store.Reaction, error) {
	msg, err := c.store.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("reaction: load %s: %w", messageID, err)
	}
	if userID != msg.SenderID && userID != msg.ReceiverID {
		return nil, ErrNotParticipant
	}

	var action Action
	updated, err := c.store.UpdateReactions(ctx, messageID, func(rs []store.Reaction) []store.Reaction {
		var next []store.Reaction
		next, action = Apply(rs, userID, emoji)
		return next
	})
	if err != nil {
		return nil, fmt.Errorf("reaction: update %s: %w", messageID, err)
	}
	metrics.ReactionsTotal.WithLabelValues(string(action)).Inc()

	list := make([]protocol.Reaction, len(updated.Reactions))
	for i, r := range updated.Reactions {
		list[i] = protocol.Reaction{UserID: r.UserID, Emoji: r.Emoji}
	}
	data, err := protocol.NewServerMessage(protocol.TypeReactionUpdated, protocol.ReactionUpdatedMsg{
		MessageID: messageID,
		Reactions: list,
	})
	if err != nil {
		return updated.Reactions, fmt.Errorf("reaction: build update: %w", err)
	}
	for _, party := range []string{updated.SenderID, updated.ReceiverID} {
		connID, ok := c.locator.Lookup(party)
		if !ok {
			continue
		}
		if err := c.sender.SendMessage(connID, data); err != nil {
			log.WithField("conn", connID).Debugf("[reaction] send: %v", err)
		}
	}
	return updated.Reactions, nil
}
