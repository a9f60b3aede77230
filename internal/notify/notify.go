// Package notify provides a best-effort wake signal over redis pub/sub,
// letting idle worker-pool loops skip their poll sleep the instant a job
// is enqueued, plus small ephemeral non-authoritative key/value
// bookkeeping (last autoscale check, last discovery poll). Nothing in
// this package is consulted for scheduling decisions — the persistent
// store (internal/store) is the sole authority there.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus wraps a redis client scoped to wake-signal pub/sub and ephemeral KV.
type Bus struct {
	client *redis.Client
}

// New connects to the configured redis/valkey instance. Connection
// failures are not fatal to the caller, since the notify bus is
// explicitly non-authoritative: a wake publish is logged and dropped when
// the client is unreachable, while the ephemeral key-value methods return
// the error to their caller.
func New(host string, port int) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	return &Bus{client: client}
}

// NewFromClient wraps an existing client (used by tests with miniredis).
func NewFromClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

func wakeChannel(kind string) string {
	return "forgecast:wake:" + kind
}

// PublishWake notifies any worker pool sleeping on kind that a new job
// may be claimable. Best-effort: errors are logged, never returned to
// the caller, since a missed wake only costs the worker its ordinary
// 5s poll interval.
func (b *Bus) PublishWake(ctx context.Context, kind string) {
	if err := b.client.Publish(ctx, wakeChannel(kind), "1").Err(); err != nil {
		slog.Warn("notify: failed to publish wake signal", "kind", kind, "error", err)
	}
}

// Subscribe returns a channel that receives a value whenever PublishWake
// is called for kind. The caller's worker loop selects on this channel
// alongside its poll-interval timer and its stop signal.
func (b *Bus) Subscribe(ctx context.Context, kind string) (<-chan struct{}, func()) {
	pubsub := b.client.Subscribe(ctx, wakeChannel(kind))
	out := make(chan struct{}, 1)

	go func() {
		ch := pubsub.Channel()
		for range ch {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	cancel := func() {
		pubsub.Close()
	}
	return out, cancel
}

// SetEphemeral stores a small JSON-encoded value with a TTL. Used for
// bookkeeping like "last autoscale check" that must never block or gate
// a scheduling decision if it's missing.
func (b *Bus) SetEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal ephemeral value: %w", err)
	}
	if err := b.client.Set(ctx, "forgecast:ephemeral:"+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set ephemeral %s: %w", key, err)
	}
	return nil
}

// GetEphemeral reads back a value stored by SetEphemeral. Returns
// (false, nil) on a cache miss (expired or never set) rather than an
// error, since callers must treat absence as "unknown, proceed anyway".
func (b *Bus) GetEphemeral(ctx context.Context, key string, dest any) (bool, error) {
	data, err := b.client.Get(ctx, "forgecast:ephemeral:"+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get ephemeral %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal ephemeral %s: %w", key, err)
	}
	return true, nil
}
