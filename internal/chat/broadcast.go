package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultBufferSize is the per-subscription queue capacity used when none is configured.
const DefaultBufferSize = 32

var (
	// ErrNoSubscribers is returned by Publish when nobody is listening.
	ErrNoSubscribers = errors.New("chat: broadcast has no subscribers")
	// ErrSubscriptionClosed is returned by reads on a closed subscription.
	ErrSubscriptionClosed = errors.New("chat: subscription closed")
	// ErrQueueEmpty is returned by TryReceive when no line is pending.
	ErrQueueEmpty = errors.New("chat: subscription queue empty")
)

// LaggedError reports lines dropped from a subscription before they were read.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("chat: subscriber lagged, missed %d messages", e.Missed)
}

// Bus fans every published line out to all live subscriptions. Publishing
// never blocks on a slow reader: a full queue sheds its oldest line instead.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	capacity int
}

// NewBus constructs a bus whose subscriptions buffer up to capacity lines.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new, empty subscription. It only sees lines
// published after this call returns.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:    b,
		buffer: newLineBuffer(b.capacity),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish enqueues line on every subscription and returns how many received it.
func (b *Bus) Publish(line string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subs) == 0 {
		return 0, ErrNoSubscribers
	}
	for sub := range b.subs {
		sub.deliver(line)
	}
	return len(b.subs), nil
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one reader's private queue on a Bus.
type Subscription struct {
	bus    *Bus
	buffer *lineBuffer

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *Subscription) deliver(line string) {
	s.buffer.Append(line)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after lines are delivered. Drain with TryReceive until
// it returns ErrQueueEmpty before waiting on Ready again.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// TryReceive returns the next pending line without blocking.
func (s *Subscription) TryReceive() (string, error) {
	select {
	case <-s.done:
		return "", ErrSubscriptionClosed
	default:
	}

	line, missed, ok := s.buffer.Next()
	switch {
	case !ok:
		return "", ErrQueueEmpty
	case missed > 0:
		return "", &LaggedError{Missed: missed}
	default:
		return line, nil
	}
}

// Receive blocks until a line is available, lines were dropped
// (*LaggedError), the subscription is closed, or ctx is done.
func (s *Subscription) Receive(ctx context.Context) (string, error) {
	for {
		line, err := s.TryReceive()
		if !errors.Is(err, ErrQueueEmpty) {
			return line, err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			return "", ErrSubscriptionClosed
		case <-s.ready:
		}
	}
}

// Drain discards everything queued so far.
func (s *Subscription) Drain() {
	s.buffer.Reset()
	select {
	case <-s.ready:
	default:
	}
}

// Close detaches the subscription from its bus. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}
