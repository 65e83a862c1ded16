// Package delivery advances message statuses (sent, delivered, read) and
// reports each change to the message's sender. Statuses only move forward;
// the store enforces that with conditional updates, and only messages the
// store actually changed are reported.
package delivery

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/protocol"
	"github.com/whisper/rtchat/internal/store"
)

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Locator resolves a user to its current connection.
type Locator interface {
	Lookup(userID string) (string, bool)
}

// Pipeline applies status transitions and notifies senders.
type Pipeline struct {
	store   store.MessageStore
	locator Locator
	sender  Sender
}

// NewPipeline creates a Pipeline.
func NewPipeline(s store.MessageStore, locator Locator, sender Sender) *Pipeline {
	return &Pipeline{store: s, locator: locator, sender: sender}
}

// Flush marks every message still sent to receiverID as delivered, sending
// one message_status_update per message to its sender. It runs when the
// receiver connects.
func (p *Pipeline) Flush(ctx context.Context, receiverID string) error {
	changed, err := p.store.DeliverPending(ctx, receiverID)
	if err != nil {
		return fmt.Errorf("delivery: flush %s: %w", receiverID, err)
	}
	metrics.StatusTransitions.WithLabelValues(string(store.StatusDelivered)).Add(float64(len(changed)))
	for _, msg := range changed {
		p.notify(msg.SenderID, protocol.MessageStatusUpdateMsg{
			MessageID:     msg.ID,
			MessageStatus: string(store.StatusDelivered),
		})
	}
	if len(changed) > 0 {
		log.WithField("user", receiverID).Debugf("[delivery] flushed %d messages", len(changed))
	}
	return nil
}

// Delivered handles an explicit delivery acknowledgement from receiverID.
func (p *Pipeline) Delivered(ctx context.Context, receiverID, messageID string) error {
	changed, err := p.store.Advance(ctx, receiverID, []string{messageID}, store.StatusDelivered)
	if err != nil {
		return fmt.Errorf("delivery: mark delivered %s: %w", messageID, err)
	}
	metrics.StatusTransitions.WithLabelValues(string(store.StatusDelivered)).Add(float64(len(changed)))
	for _, msg := range changed {
		p.notify(msg.SenderID, protocol.MessageStatusUpdateMsg{
			MessageID:     msg.ID,
			MessageStatus: string(store.StatusDelivered),
		})
	}
	return nil
}

// Read handles a batch read acknowledgement from receiverID. Only messages
// addressed to receiverID change. The changed ids are grouped by their stored
// sender and each sender gets a single update listing its ids.
func (p *Pipeline) Read(ctx context.Context, receiverID string, messageIDs []string) error {
	changed, err := p.store.Advance(ctx, receiverID, messageIDs, store.StatusRead)
	if err != nil {
		return fmt.Errorf("delivery: mark read: %w", err)
	}
	metrics.StatusTransitions.WithLabelValues(string(store.StatusRead)).Add(float64(len(changed)))

	var senders []string
	bySender := make(map[string][]string)
	for _, msg := range changed {
		if _, ok := bySender[msg.SenderID]; !ok {
			senders = append(senders, msg.SenderID)
		}
		bySender[msg.SenderID] = append(bySender[msg.SenderID], msg.ID)
	}
	for _, senderID := range senders {
		ids := bySender[senderID]
		update := protocol.MessageStatusUpdateMsg{
			MessageIDs:    ids,
			MessageStatus: string(store.StatusRead),
		}
		if len(ids) == 1 {
			update.MessageID = ids[0]
		}
		p.notify(senderID, update)
	}
	return nil
}

// notify is best effort: an offline sender sees the status on its next fetch.
func (p *Pipeline) notify(senderID string, update protocol.MessageStatusUpdateMsg) {
	connID, ok := p.locator.Lookup(senderID)
	if !ok {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeMessageStatusUpdate, update)
	if err != nil {
		log.Errorf("[delivery] build status update: %v", err)
		return
	}
	if err := p.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[delivery] send: %v", err)
	}
}
