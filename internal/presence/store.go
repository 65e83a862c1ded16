package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// KeyTTL bounds how long an offline user's last-seen time is kept.
	KeyTTL = 30 * 24 * time.Hour
)

// Record is the persisted presence of a user.
type Record struct {
	Online   bool
	LastSeen time.Time // zero when never seen
}

// Store persists the online flag and last-seen time of users.
type Store interface {
	Set(ctx context.Context, userID string, online bool, at time.Time) error
	Get(ctx context.Context, userID string) (Record, error)
}

// RedisStore keeps presence in one hash per user.
type RedisStore struct {
	client *redis.Client
	server string // identifier for this gateway instance
}

// NewRedisStore creates a presence store on top of an existing client.
func NewRedisStore(client *redis.Client, serverName string) *RedisStore {
	return &RedisStore{client: client, server: serverName}
}

// Set records the user's presence and refreshes the key TTL.
func (s *RedisStore) Set(ctx context.Context, userID string, online bool, at time.Time) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"online", online,
		"last_seen", at.UnixMilli(),
		"server", s.server,
	)
	pipe.Expire(ctx, key, KeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set %s: %w", userID, err)
	}
	return nil
}

// Get returns the stored presence; unknown users are offline and never seen.
func (s *RedisStore) Get(ctx context.Context, userID string) (Record, error) {
	vals, err := s.client.HGetAll(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	var rec Record
	rec.Online, _ = strconv.ParseBool(vals["online"])
	if ms, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil && ms > 0 {
		rec.LastSeen = time.UnixMilli(ms)
	}
	return rec, nil
}

// MemoryStore is the Store used when no Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Set(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	s.records[userID] = Record{Online: online, LastSeen: at}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[userID], nil
}
