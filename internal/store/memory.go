package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a process-local MessageStore used when no database is
// configured, and by tests.
type Memory struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string]*Message)}
}

// Insert adds a message. A message whose id is already stored is left as
// is, matching the postgres store's ON CONFLICT DO NOTHING.
func (m *Memory) Insert(_ context.Context, msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("store: message id is required")
	}
	if !msg.Status.Valid() {
		msg.Status = StatusSent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return nil
	}
	m.order = append(m.order, msg.ID)
	cp := msg
	cp.Reactions = append([]Reaction(nil), msg.Reactions...)
	m.messages[msg.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return clone(msg), nil
}

func (m *Memory) DeliverPending(_ context.Context, receiverID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []Message
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.ReceiverID == receiverID && msg.Status == StatusSent {
			msg.Status = StatusDelivered
			changed = append(changed, clone(msg))
		}
	}
	return changed, nil
}

func (m *Memory) Advance(_ context.Context, receiverID string, ids []string, to Status) ([]Message, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("store: invalid status %q", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	var changed []Message
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		msg, ok := m.messages[id]
		if !ok || msg.ReceiverID != receiverID || msg.Status.Rank() >= to.Rank() {
			continue
		}
		msg.Status = to
		changed = append(changed, clone(msg))
	}
	return changed, nil
}

func (m *Memory) UpdateReactions(_ context.Context, id string, fn func([]Reaction) []Reaction) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	msg.Reactions = fn(append([]Reaction(nil), msg.Reactions...))
	return clone(msg), nil
}

func clone(msg *Message) Message {
	cp := *msg
	cp.Reactions = append([]Reaction(nil), msg.Reactions...)
	return cp
}
