// Package redis carries out-of-band operator signals: the manual
// safe-mode override and the acknowledgment that a 2FA/authentication
// failure has been resolved. Operators set these keys from outside the
// process; the degradation coordinator polls them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/gwcore/internal/core/domain"
)

const (
	overrideKey = "gwcore:override"
	authAckKey  = "gwcore:auth_ack"
	eventsKey   = "gwcore:degradation_events"

	eventsMirrorMax = 200
)

// Client wraps Redis operations for operator signals.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ManualOverrideActive reports whether an operator has forced safe mode.
// The key value carries the operator's note.
func (c *Client) ManualOverrideActive(ctx context.Context) (bool, string, error) {
	val, err := c.rdb.Get(ctx, overrideKey).Result()
	if err == redis.Nil {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("get override: %w", err)
	}
	return true, val, nil
}

// SetManualOverride forces safe mode with an operator note. Exposed for
// the admin CLI; operators typically set the key directly.
func (c *Client) SetManualOverride(ctx context.Context, note string) error {
	return c.rdb.Set(ctx, overrideKey, note, 0).Err()
}

// ClearManualOverride lifts the operator override.
func (c *Client) ClearManualOverride(ctx context.Context) error {
	return c.rdb.Del(ctx, overrideKey).Err()
}

// AuthAcknowledged reports whether an operator has acknowledged that the
// authentication failure was resolved out-of-band (2FA approved).
func (c *Client) AuthAcknowledged(ctx context.Context) (bool, error) {
	n, err := c.rdb.Exists(ctx, authAckKey).Result()
	if err != nil {
		return false, fmt.Errorf("check auth ack: %w", err)
	}
	return n > 0, nil
}

// ClearAuthAck consumes the acknowledgment so it cannot apply to a
// future authentication failure.
func (c *Client) ClearAuthAck(ctx context.Context) error {
	return c.rdb.Del(ctx, authAckKey).Err()
}

// MirrorDegradation pushes a degradation event onto a capped list so
// operators can inspect recent history without database access.
func (c *Client) MirrorDegradation(ctx context.Context, ev *domain.DegradationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, eventsKey, data)
	pipe.LTrim(ctx, eventsKey, 0, eventsMirrorMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror event: %w", err)
	}
	return nil
}
