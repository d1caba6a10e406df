// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed window algorithm. Checks fail open so a Redis outage never
// blocks chat traffic.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plaza/chat-service/internal/logging"
)

// Rule defines a policy: the key prefix, the number of requests allowed in
// the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// RuleMessage is the default send rule: 5 messages per 10 seconds.
var RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

// MessageRule returns the send rule with the configured limit and window,
// falling back to RuleMessage for non-positive values.
func MessageRule(limit int, window time.Duration) Rule {
	r := RuleMessage
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the identifier's counter for rule and reports whether the
// request fits in the current window. Redis errors allow the request and are
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	log := logging.Ctx(ctx)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("ratelimit: INCR failed, failing open")
		return Decision{Allowed: true}, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("ratelimit: EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
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
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}
