package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/auth-service/internal/repository"
)

// ErrTooManyAttempts is returned while an email is locked out.
var ErrTooManyAttempts = errors.New("too many failed login attempts")

const loginGuardPrefix = "auth:login_failures:"

// LoginGuard counts failed logins per email in Redis and locks out after a threshold.
// A guard with a nil client allows everything.
type LoginGuard struct {
	client      redis.Cmdable
	maxAttempts int
	window      time.Duration
}

// NewLoginGuard builds a guard. maxAttempts <= 0 or window <= 0 disables it.
func NewLoginGuard(client redis.Cmdable, maxAttempts int, window time.Duration) *LoginGuard {
	return &LoginGuard{client: client, maxAttempts: maxAttempts, window: window}
}

func (g *LoginGuard) enabled() bool {
	return g != nil && g.client != nil && g.maxAttempts > 0 && g.window > 0
}

func guardKey(email string) string {
	return loginGuardPrefix + repository.NormalizeEmail(email)
}

// Check returns ErrTooManyAttempts with the remaining lockout when the email is locked.
func (g *LoginGuard) Check(ctx context.Context, email string) (time.Duration, error) {
	if !g.enabled() {
		return 0, nil
	}
	key := guardKey(email)
	count, err := g.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read login failures: %w", err)
	}
	if count < g.maxAttempts {
		return 0, nil
	}
	ttl, err := g.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("read lockout ttl: %w", err)
	}
	if ttl < 0 {
		if err := g.client.Expire(ctx, key, g.window).Err(); err != nil {
			return 0, fmt.Errorf("restore lockout window: %w", err)
		}
		ttl = g.window
	}
	return ttl, ErrTooManyAttempts
}

// RecordFailure increments the counter and starts the window on any key that has none,
// so a counter never outlives its window.
func (g *LoginGuard) RecordFailure(ctx context.Context, email string) (int, error) {
	if !g.enabled() {
		return 0, nil
	}
	key := guardKey(email)
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	if _, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("record login failure: %w", err)
	}
	count := int(incr.Val())
	if ttl.Val() < 0 {
		if err := g.client.Expire(ctx, key, g.window).Err(); err != nil {
			return count, fmt.Errorf("start login failure window: %w", err)
		}
	}
	return count, nil
}

// Reset clears the counter after a successful login.
func (g *LoginGuard) Reset(ctx context.Context, email string) error {
	if !g.enabled() {
		return nil
	}
	return g.client.Del(ctx, guardKey(email)).Err()
}
