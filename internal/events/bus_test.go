package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_TopicRouting(t *testing.T) {
	b := New[string](4, 4, zerolog.Nop())
	defer b.Close()

	status, _, err := b.Subscribe("status")
	require.NoError(t, err)
	all, _, err := b.Subscribe()
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "question", "q1"))
	require.NoError(t, b.Publish(context.Background(), "status", "s1"))

	msg := <-all
	assert.Equal(t, "q1", msg.Payload)
	msg = <-all
	assert.Equal(t, "s1", msg.Payload)

	msg = <-status
	assert.Equal(t, "s1", msg.Payload)
	assert.NotEmpty(t, msg.ID)
	select {
	case extra := <-status:
		t.Fatalf("unexpected message %v", extra)
	default:
	}
}

func TestBus_BoundedSubscribers(t *testing.T) {
	b := New[int](0, 2, zerolog.Nop())
	defer b.Close()

	_, unsub, err := b.Subscribe()
	require.NoError(t, err)
	_, _, err = b.Subscribe()
	require.NoError(t, err)
	_, _, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrTooManySubscribers)

	unsub()
	_, _, err = b.Subscribe()
	assert.NoError(t, err)
}

func TestBus_PublishHonoursContext(t *testing.T) {
	b := New[int](0, 1, zerolog.Nop())
	defer b.Close()
	_, _, err := b.Subscribe()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, "x", 1), context.DeadlineExceeded)
}

func TestBus_TryPublishDropsOnFullBuffer(t *testing.T) {
	b := New[int](1, 1, zerolog.Nop())
	defer b.Close()
	ch, _, err := b.Subscribe()
	require.NoError(t, err)

	assert.Zero(t, b.TryPublish("x", 1))
	assert.Equal(t, 1, b.TryPublish("x", 2))
	assert.Equal(t, 1, (<-ch).Payload)
}

func TestBus_UnsubscribeReleasesBlockedPublish(t *testing.T) {
	b := New[int](0, 1, zerolog.Nop())
	defer b.Close()
	_, unsub, err := b.Subscribe()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), "x", 1) }()
	time.Sleep(10 * time.Millisecond)
	unsub()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish stayed blocked after unsubscribe")
	}
}

func TestBus_CloseUnblocksAndClosesChannels(t *testing.T) {
	b := New[int](0, 2, zerolog.Nop())
	ch, _, err := b.Subscribe()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Publish(context.Background(), "x", 1) }()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	assert.ErrorIs(t, <-done, ErrClosed)
	_, open := <-ch
	assert.False(t, open)

	assert.ErrorIs(t, b.Publish(context.Background(), "x", 2), ErrClosed)
	_, _, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
	b.Close()
}
