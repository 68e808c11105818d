package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the phase a session is in.
type State int

const (
	StateHandshaking State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	errSessionTerminated = errors.New("session terminated")
	errIdleTimeout       = errors.New("idle timeout")
)

type session struct {
	room   *Room
	conn   io.ReadWriteCloser
	id     string
	client Client
	state  State

	sub    *Subscription
	writer *sessionWriter
	logger *zap.Logger

	lines   chan string
	readErr error
	done    chan struct{}
	idle    *time.Timer

	workers sync.WaitGroup
	cleanup sync.Once
}

func newSession(room *Room, conn io.ReadWriteCloser, addr string) *session {
	id := uuid.NewString()
	return &session{
		room:   room,
		conn:   conn,
		id:     id,
		client: newClient(addr, room.now()),
		writer: newSessionWriter(conn),
		logger: room.logger.With(zap.String("session", id), zap.String("addr", addr)),
		lines:  make(chan string),
		done:   make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	ctx, span := s.room.tracer.Start(ctx, "chat.session", trace.WithAttributes(
		attribute.String("chat.addr", s.client.Address),
		attribute.String("chat.session", s.id),
	))
	defer span.End()
	defer s.terminate()

	s.logger.Info("client connected")

	s.sub = s.room.bus.Subscribe()
	if s.room.idleTimeout > 0 {
		s.idle = time.NewTimer(s.room.idleTimeout)
		defer s.idle.Stop()
	}
	s.startReader()

	err := s.handshake(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("chat.nick", s.client.Nickname))
		err = s.relay(ctx)
	}
	s.handleError(err)
}

// startReader feeds client lines to s.lines until the stream ends. The
// channel is closed afterwards, with the cause left in s.readErr.
func (s *session) startReader() {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer close(s.lines)

		reader := bufio.NewReader(s.conn)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case s.lines <- line:
				case <-s.done:
					return
				}
			}
			if err != nil {
				s.readErr = err
				return
			}
		}
	}()
}

func (s *session) handshake(ctx context.Context) error {
	if err := s.writer.notice("please enter your nick below"); err != nil {
		return err
	}

	for {
		line, err := s.nextLine(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("client entered nick", zap.String("nick", strings.TrimSpace(line)))

		nick, err := ValidateNick(line)
		if err == nil {
			if s.room.join(s.withNickname(nick)) {
				s.client.Nickname = nick
				break
			}
			err = ErrNickTaken
		}
		if werr := s.writer.notice(err.Error()); werr != nil {
			return werr
		}
	}

	s.logger.Info("client joined", zap.String("nick", s.client.Nickname))

	// Lines published before the join, including our own join notice, are not ours to see.
	s.sub.Drain()
	s.state = StateActive

	return s.writer.notice("welcome to chat")
}

func (s *session) withNickname(nick string) Client {
	c := s.client
	c.Nickname = nick
	return c
}

func (s *session) nextLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", s.endOfStream()
		}
		s.resetIdle()
		return line, nil
	case <-s.idleC():
		_ = s.writer.notice("idle timeout")
		return "", errIdleTimeout
	}
}

// relay services client input and broadcast delivery, whichever is ready.
func (s *session) relay(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return s.endOfStream()
			}
			s.resetIdle()
			if err := s.handleLine(ctx, line); err != nil {
				return err
			}
		case <-s.sub.Ready():
			if err := s.flush(); err != nil {
				return err
			}
		case <-s.idleC():
			_ = s.writer.notice("idle timeout")
			return errIdleTimeout
		}
	}
}

func (s *session) handleLine(ctx context.Context, line string) error {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil
	}

	if IsCommand(tokens[0]) {
		s.logger.Debug("client sent command", zap.String("nick", s.client.Nickname), zap.String("command", tokens[0]))

		before := s.client.Nickname
		reply := s.room.commands.Dispatch(ctx, &s.client, tokens)
		if s.client.Nickname != before {
			s.logger.Info("nick changed", zap.String("old", before), zap.String("new", s.client.Nickname))
		}
		if reply.Quit {
			return errSessionTerminated
		}
		if reply.Text == "" {
			return nil
		}
		return s.writer.notice(reply.Text)
	}

	s.logger.Debug("client sent line", zap.String("nick", s.client.Nickname))
	s.room.registry.Touch(s.client.Address)
	s.room.publish(formatChat(s.client.Nickname, line))
	return nil
}

// flush writes every pending broadcast line to the client.
func (s *session) flush() error {
	for {
		line, err := s.sub.TryReceive()
		var lagged *LaggedError
		switch {
		case err == nil:
			if err := s.writer.writeString(line); err != nil {
				return err
			}
		case errors.Is(err, ErrQueueEmpty):
			return nil
		case errors.As(err, &lagged):
			s.logger.Warn("subscriber lagged", zap.String("nick", s.client.Nickname), zap.Uint64("missed", lagged.Missed))
		default:
			return err
		}
	}
}

func (s *session) endOfStream() error {
	if s.readErr == nil || errors.Is(s.readErr, io.EOF) {
		return io.EOF
	}
	return fmt.Errorf("read: %w", s.readErr)
}

func (s *session) idleC() <-chan time.Time {
	if s.idle == nil {
		return nil
	}
	return s.idle.C
}

func (s *session) resetIdle() {
	if s.idle != nil {
		s.idle.Reset(s.room.idleTimeout)
	}
}

func (s *session) handleError(err error) {
	switch {
	case err == nil,
		errors.Is(err, errSessionTerminated),
		errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled):
		return
	case errors.Is(err, errIdleTimeout):
		s.logger.Info("client idle, disconnecting", zap.Duration("timeout", s.room.idleTimeout))
	default:
		s.logger.Debug("session ended", zap.Error(err))
	}
}

// terminate runs once: it announces the departure, releases the registry
// entry and the subscription, and closes the connection.
func (s *session) terminate() {
	s.cleanup.Do(func() {
		from := s.state
		s.state = StateTerminated
		close(s.done)

		s.room.leave(s.client)
		if s.sub != nil {
			s.sub.Close()
		}
		_ = s.conn.Close()
		s.workers.Wait()

		if s.client.Nickname != "" {
			s.logger.Info("client disconnected", zap.String("nick", s.client.Nickname), zap.Stringer("state", from))
		} else {
			s.logger.Info("client disconnected", zap.Stringer("state", from))
		}
	})
}
