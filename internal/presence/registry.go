// Package presence tracks which connection each user is bound to and
// broadcasts online/offline changes to every other connected user.
package presence

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper/rtchat/internal/metrics"
	"github.com/whisper/rtchat/internal/protocol"
)

// Sender delivers a server message to a connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Hook runs after a user registers or unregisters.
type Hook func(ctx context.Context, userID string)

type record struct {
	connID      string
	connectedAt time.Time
}

// Registry maps each user to its single active connection. A later
// registration for the same user replaces the earlier one; the displaced
// connection is left open.
type Registry struct {
	mu    sync.RWMutex
	users map[string]record

	sender       Sender
	store        Store
	now          func() time.Time
	onRegister   []Hook
	onUnregister []Hook
}

// NewRegistry creates a Registry. store may be nil, in which case presence is
// not persisted and last-seen times are unknown.
func NewRegistry(sender Sender, store Store) *Registry {
	return &Registry{
		users:  make(map[string]record),
		sender: sender,
		store:  store,
		now:    time.Now,
	}
}

// OnRegister adds a hook run after every Register, after the presence
// broadcast and the snapshot.
func (r *Registry) OnRegister(h Hook) {
	r.onRegister = append(r.onRegister, h)
}

// OnUnregister adds a hook run after a user went offline.
func (r *Registry) OnUnregister(h Hook) {
	r.onUnregister = append(r.onUnregister, h)
}

// Register binds userID to connID, tells every other connected user that
// userID is online, and sends the new connection one user_status per user
// already online.
func (r *Registry) Register(ctx context.Context, userID, connID string) {
	now := r.now()

	r.mu.Lock()
	prev, had := r.users[userID]
	r.users[userID] = record{connID: connID, connectedAt: now}
	others := make(map[string]string, len(r.users)-1)
	for uid, rec := range r.users {
		if uid != userID {
			others[uid] = rec.connID
		}
	}
	online := len(r.users)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	if had && prev.connID != connID {
		log.WithFields(log.Fields{"user": userID, "conn": connID, "displaced": prev.connID}).
			Info("[presence] connection replaced")
	}

	r.persist(ctx, userID, true, now)

	if data, err := protocol.NewServerMessage(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID:   userID,
		IsOnline: true,
	}); err == nil {
		for _, cid := range others {
			r.send(cid, data)
		}
	}

	for uid := range others {
		data, err := protocol.NewServerMessage(protocol.TypeUserStatus, protocol.UserStatusMsg{
			UserID:   uid,
			IsOnline: true,
		})
		if err != nil {
			continue
		}
		r.send(connID, data)
	}

	for _, h := range r.onRegister {
		h(ctx, userID)
	}
}

// Unregister removes userID if it is still bound to connID and broadcasts
// the offline status with the last-seen time. It reports whether the user
// went offline; a stale connection closing after being displaced does not
// affect the user's presence.
func (r *Registry) Unregister(ctx context.Context, userID, connID string) bool {
	r.mu.Lock()
	rec, ok := r.users[userID]
	if !ok || rec.connID != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.users, userID)
	remaining := make([]string, 0, len(r.users))
	for _, rec := range r.users {
		remaining = append(remaining, rec.connID)
	}
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(len(remaining)))
	now := r.now()
	r.persist(ctx, userID, false, now)

	if data, err := protocol.NewServerMessage(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID:   userID,
		IsOnline: false,
		LastSeen: &now,
	}); err == nil {
		for _, cid := range remaining {
			r.send(cid, data)
		}
	}

	for _, h := range r.onUnregister {
		h(ctx, userID)
	}
	log.WithField("user", userID).Debug("[presence] user offline")
	return true
}

// Lookup returns the connection userID is bound to. Absent users are offline.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	rec, ok := r.users[userID]
	r.mu.RUnlock()
	return rec.connID, ok
}

// Status answers a presence query. Online users report the current time as
// last seen; offline users report the persisted time, or nil if unknown.
func (r *Registry) Status(ctx context.Context, userID string) protocol.UserStatusResultMsg {
	res := protocol.UserStatusResultMsg{UserID: userID}
	if _, ok := r.Lookup(userID); ok {
		now := r.now()
		res.IsOnline = true
		res.LastSeen = &now
		return res
	}
	if r.store == nil {
		return res
	}
	rec, err := r.store.Get(ctx, userID)
	if err != nil {
		log.WithField("user", userID).Warnf("[presence] load last seen: %v", err)
		return res
	}
	if !rec.LastSeen.IsZero() {
		seen := rec.LastSeen
		res.LastSeen = &seen
	}
	return res
}

// Connected returns the connection of every registered user except the
// given one.
func (r *Registry) Connected(except string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.users))
	for uid, rec := range r.users {
		if uid != except {
			out = append(out, rec.connID)
		}
	}
	return out
}

// Online returns the number of registered users.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) persist(ctx context.Context, userID string, online bool, at time.Time) {
	if r.store == nil {
		return
	}
	if err := r.store.Set(ctx, userID, online, at); err != nil {
		log.WithField("user", userID).Warnf("[presence] persist: %v", err)
	}
}

func (r *Registry) send(connID string, data []byte) {
	if err := r.sender.SendMessage(connID, data); err != nil {
		log.WithField("conn", connID).Debugf("[presence] send: %v", err)
	}
}
