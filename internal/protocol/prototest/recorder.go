// Package prototest provides a recording message sender for tests of the
// packages that push server messages to connections.
package prototest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/whisper/rtchat/internal/protocol"
)

// Sent is one recorded outbound frame, decoded.
type Sent struct {
	ConnID string
	Type   string
	Msg    interface{}
}

// Recorder records every frame sent through it. Connection IDs listed with
// Fail make SendMessage return an error, as the server does for closed
// connections.
type Recorder struct {
	mu     sync.Mutex
	sent   []Sent
	failed map[string]bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{failed: make(map[string]bool)}
}

// Fail makes sends to connID fail.
func (r *Recorder) Fail(connID string) {
	r.mu.Lock()
	r.failed[connID] = true
	r.mu.Unlock()
}

// SendMessage decodes and records data.
func (r *Recorder) SendMessage(connID string, data []byte) error {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed[connID] {
		return fmt.Errorf("connection %s not found", connID)
	}
	r.sent = append(r.sent, Sent{ConnID: connID, Type: msgType, Msg: msg})
	return nil
}

// All returns every recorded frame in send order.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// To returns the frames sent to connID, optionally filtered by message type.
func (r *Recorder) To(connID string, types ...string) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.ConnID != connID {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, s.Type) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// OfType returns every frame of the given message type.
func (r *Recorder) OfType(msgType string) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.Type == msgType {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
