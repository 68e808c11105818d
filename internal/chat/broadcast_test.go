package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus(4)

	n, err := bus.Publish("hello\n")
	require.ErrorIs(t, err, ErrNoSubscribers)
	require.Zero(t, n)
}

func TestBusSubscriptionSeesOnlyLaterLines(t *testing.T) {
	bus := NewBus(4)
	early := bus.Subscribe()
	defer early.Close()

	_, err := bus.Publish("before\n")
	require.NoError(t, err)

	late := bus.Subscribe()
	defer late.Close()

	n, err := bus.Publish("after\n")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	line, err := late.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "after\n", line)

	line, err = early.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "before\n", line)
	line, err = early.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "after\n", line)
}

func TestBusSlowSubscriberLagsWithoutBlockingPublisher(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, line := range []string{"1\n", "2\n", "3\n", "4\n", "5\n"} {
			_, _ = bus.Publish(line)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	_, err := sub.TryReceive()
	var lagged *LaggedError
	require.True(t, errors.As(err, &lagged))
	require.EqualValues(t, 3, lagged.Missed)

	line, err := sub.TryReceive()
	require.NoError(t, err)
	require.Equal(t, "4\n", line)
	line, err = sub.TryReceive()
	require.NoError(t, err)
	require.Equal(t, "5\n", line)

	_, err = sub.TryReceive()
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestBusReceiveWaitsForPublish(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = bus.Publish("late\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	line, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "late\n", line)
}

func TestBusReceiveHonoursContext(t *testing.T) {
	sub := NewBus(4).Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := sub.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.Len())

	sub.Close()
	sub.Close()
	require.Zero(t, bus.Len())

	_, err := sub.Receive(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	_, err = bus.Publish("nobody\n")
	require.ErrorIs(t, err, ErrNoSubscribers)
}

func TestSubscriptionDrain(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	_, _ = bus.Publish("stale\n")
	sub.Drain()

	_, err := sub.TryReceive()
	require.ErrorIs(t, err, ErrQueueEmpty)

	select {
	case <-sub.Ready():
		t.Fatal("ready signal should be cleared by Drain")
	default:
	}
}
