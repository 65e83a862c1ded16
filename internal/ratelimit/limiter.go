// Package ratelimit throttles client events per user. The Redis limiter uses
// INCR + EXPIRE fixed windows shared by every gateway instance; the memory
// limiter is a per-process token bucket for single-node deployments.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// events allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g. "rl:react:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleReaction allows 20 reaction toggles per 10 seconds per user.
	RuleReaction = Rule{Key: "rl:react:", Limit: 20, Window: 10 * time.Second}

	// RuleCall allows 5 call attempts per minute per user.
	RuleCall = Rule{Key: "rl:call:", Limit: 5, Window: time.Minute}

	// RuleTyping allows 30 typing_start events per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}
)

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Checker is implemented by both limiters.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (Decision, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.UniversalClient
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the identifier's counter for rule and sets the expiry on
// first access. A denied decision carries the time left in the window.
//
// On Redis errors the check fails open so that a Redis outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warnf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true}, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warnf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return Decision{Allowed: true}, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return Decision{RetryAfter: ttl}, nil
}
