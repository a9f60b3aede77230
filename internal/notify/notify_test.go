package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client)
}

func TestPublishWakeDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	woken, cancel := b.Subscribe(ctx, "Transcribe")
	defer cancel()

	// Give the subscription goroutine a moment to register with miniredis.
	time.Sleep(50 * time.Millisecond)

	b.PublishWake(ctx, "Transcribe")

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive wake signal")
	}
}

func TestEphemeralRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	type payload struct {
		CheckedAt string `json:"checked_at"`
	}

	ok, err := b.GetEphemeral(ctx, "missing", &payload{})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetEphemeral(ctx, "last-check", payload{CheckedAt: "2026-01-01"}, time.Minute))

	var out payload
	ok, err = b.GetEphemeral(ctx, "last-check", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-01-01", out.CheckedAt)
}
