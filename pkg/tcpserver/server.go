// Package tcpserver accepts plain TCP connections and hands each to a handler.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ConnHandler serves one accepted connection. It owns conn and must close it.
type ConnHandler func(ctx context.Context, conn net.Conn)

// SessionAddr names conn for session bookkeeping. The "tcp:" scheme keeps it
// apart from a WebSocket or SSH client that shares the same remote ip:port.
func SessionAddr(conn net.Conn) string {
	return "tcp:" + conn.RemoteAddr().String()
}

// Server wraps the TCP listener lifecycle.
type Server struct {
	Addr string

	logger *zap.Logger
}

// New creates a Server listening on addr.
func New(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Addr:   addr,
		logger: logger.Named("tcpserver"),
	}
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, handler ConnHandler) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("tcpserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections on listener until ctx is cancelled, then waits
// for running handlers to return. It always closes listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler ConnHandler) error {
	defer listener.Close()

	if handler == nil {
		return errors.New("tcpserver: connection handler required")
	}

	var handlers sync.WaitGroup
	defer handlers.Wait()

	shutdown := make(chan struct{})
	defer close(shutdown)

	go func() {
		select {
		case <-ctx.Done():
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("listener close error", zap.Error(err))
			}
		case <-shutdown:
		}
	}()

	s.logger.Info("listening", zap.Stringer("addr", listener.Addr()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("tcpserver: accept: %w", err)
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handler(ctx, conn)
		}()
	}
}
