package chat

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/ledzpl/linechat/internal/chat"

// Room ties together the client registry, the broadcast bus and the command
// dispatcher shared by every session.
type Room struct {
	registry *Registry
	bus      *Bus
	commands *Dispatcher

	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	bufferSize  int
	idleTimeout time.Duration
}

// Option configures a Room.
type Option func(*Room)

// WithLogger sets the logger used for session events.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Room) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Room) {
		if now != nil {
			r.now = now
		}
	}
}

// WithBufferSize sets how many lines each subscription holds before it
// starts dropping the oldest.
func WithBufferSize(n int) Option {
	return func(r *Room) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithIdleTimeout disconnects clients that send nothing for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Room) {
		if d >= 0 {
			r.idleTimeout = d
		}
	}
}

// WithTracerProvider sets where session and command spans are recorded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Room) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewRoom constructs an empty chat room.
func NewRoom(opts ...Option) *Room {
	r := &Room{
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.registry = NewRegistry()
	r.registry.now = r.now
	r.bus = NewBus(r.bufferSize)
	r.commands = NewDispatcher(r.registry, r.publish)
	r.commands.now = r.now
	r.commands.tracer = r.tracer
	return r
}

// Registry exposes the room's client directory.
func (r *Room) Registry() *Registry {
	return r.registry
}

// Nicknames returns the nicknames of every joined client.
func (r *Room) Nicknames() []string {
	return r.registry.Nicknames()
}

// HandleConn runs a chat session over conn until the client leaves, the
// connection fails or ctx is cancelled. addr must be unique among live
// connections. conn is closed before HandleConn returns.
func (r *Room) HandleConn(ctx context.Context, conn io.ReadWriteCloser, addr string) {
	newSession(r, conn, addr).run(ctx)
}

// join registers c under its nickname and announces it. It reports false
// when the nickname is already in use.
func (r *Room) join(c Client) bool {
	if !r.registry.Claim(c) {
		return false
	}
	r.publish(formatNotice(c.Nickname + " has joined"))
	return true
}

// leave announces the departure of c if it is still registered and removes it.
func (r *Room) leave(c Client) {
	if r.registry.ContainsAddress(c.Address) {
		r.publish(formatNotice(c.Nickname + " has left"))
	}
	r.registry.RemoveByAddress(c.Address)
}

func (r *Room) publish(line string) {
	if _, err := r.bus.Publish(line); err != nil {
		r.logger.Warn("broadcast failed", zap.Error(err))
	}
}
