package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/store"
)

// MessageCreated is published by the message service after a message was
// saved. Message is the full message document, forwarded to the receiver
// as is.
type MessageCreated struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId"`
	Message        json.RawMessage `json:"message"`
}

// MessageDeleted is published after a message was deleted.
type MessageDeleted struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Subscriber is the subscription side of NATSClient.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// Store records created messages so their delivery status can be tracked.
type Store interface {
	Get(ctx context.Context, id string) (store.Message, error)
	Insert(ctx context.Context, msg store.Message) error
}

// Deliverer marks a pushed message as delivered and tells its sender.
type Deliverer interface {
	Delivered(ctx context.Context, receiverID, messageID string) error
}

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Locator resolves users to their current connections.
type Locator interface {
	Lookup(userID string) (string, bool)
	Connected(except string) []string
}

// Feed pushes message events to connected users.
type Feed struct {
	store     Store
	deliverer Deliverer
	locator   Locator
	sender    Sender
	timeout   time.Duration
}

// NewFeed creates a Feed.
func NewFeed(s Store, deliverer Deliverer, locator Locator, sender Sender) *Feed {
	return &Feed{
		store:     s,
		deliverer: deliverer,
		locator:   locator,
		sender:    sender,
		timeout:   5 * time.Second,
	}
}

// Start subscribes the feed to the message and status service subjects.
func (f *Feed) Start(sub Subscriber) error {
	subs := []struct {
		subject string
		handler func([]byte)
	}{
		{SubjectMessageCreated, f.handleCreated},
		{SubjectMessageDeleted, f.handleDeleted},
		{SubjectStatusCreated, decodeEvent(SubjectStatusCreated, f.StatusCreated)},
		{SubjectStatusViewed, decodeEvent(SubjectStatusViewed, f.StatusViewed)},
		{SubjectStatusLiked, decodeEvent(SubjectStatusLiked, f.StatusLiked)},
		{SubjectStatusDeleted, decodeEvent(SubjectStatusDeleted, f.StatusDeleted)},
	}
	for _, s := range subs {
		if err := sub.Subscribe(s.subject, s.handler); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) handleCreated(data []byte) {
	var ev MessageCreated
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warnf("[feed] bad %s event: %v", SubjectMessageCreated, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.Created(ctx, ev); err != nil {
		log.WithField("message", ev.MessageID).Errorf("[feed] %v", err)
	}
}

func (f *Feed) handleDeleted(data []byte) {
	var ev MessageDeleted
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warnf("[feed] bad %s event: %v", SubjectMessageDeleted, err)
		return
	}
	f.Deleted(ev)
}

// Created records the message as sent and forwards receive_message to the
// receiver when connected. A message pushed to a live connection is marked
// delivered right away.
func (f *Feed) Created(ctx context.Context, ev MessageCreated) error {
	if ev.MessageID == "" || ev.ReceiverID == "" {
		return errors.New("messaging: created event without message or receiver id")
	}

	if _, err := f.store.Get(ctx, ev.MessageID); errors.Is(err, store.ErrNotFound) {
		if err := f.store.Insert(ctx, store.Message{
			ID:             ev.MessageID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			ReceiverID:     ev.ReceiverID,
			Status:         store.StatusSent,
		}); err != nil {
			return fmt.Errorf("messaging: record %s: %w", ev.MessageID, err)
		}
	} else if err != nil {
		return fmt.Errorf("messaging: lookup %s: %w", ev.MessageID, err)
	}

	connID, ok := f.locator.Lookup(ev.ReceiverID)
	if !ok {
		return nil
	}
	data, err := protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		Message: ev.Message,
	})
	if err != nil {
		return err
	}
	if err := f.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[feed] push message: %v", err)
		return nil
	}
	return f.deliverer.Delivered(ctx, ev.ReceiverID, ev.MessageID)
}

// Deleted tells both parties that were connected that the message is gone.
func (f *Feed) Deleted(ev MessageDeleted) {
	f.sendTo([]string{ev.SenderID, ev.ReceiverID}, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID: ev.MessageID,
	})
}
