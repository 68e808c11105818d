// Package wsbridge exposes line-oriented sessions over WebSocket, one text
// frame per line.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultPath is where the WebSocket endpoint is mounted.
const DefaultPath = "/ws"

const shutdownTimeout = 5 * time.Second

// Handler serves one WebSocket client as a byte stream and must close conn.
// addr is the client's remote address prefixed with "ws:".
type Handler func(ctx context.Context, conn io.ReadWriteCloser, addr string)

// Server wraps the HTTP listener that upgrades requests to WebSocket.
type Server struct {
	Addr string
	Path string

	upgrader websocket.Upgrader
	routes   map[string]http.Handler
	logger   *zap.Logger
}

// New creates a Server listening on addr.
func New(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Addr: addr,
		Path: DefaultPath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		routes: make(map[string]http.Handler),
		logger: logger.Named("wsbridge"),
	}
}

// Handle mounts an extra HTTP handler next to the WebSocket endpoint. It must
// be called before Handler or Serve.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes[pattern] = h
}

// Handler returns the HTTP handler that upgrades and serves clients. Sessions
// end when ctx is cancelled.
func (s *Server) Handler(ctx context.Context, handler Handler) http.Handler {
	mux := http.NewServeMux()
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	mux.HandleFunc(s.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		handler(ctx, newLineConn(ws), "ws:"+r.RemoteAddr)
	})
	return mux
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, handler Handler) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("wsbridge: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts HTTP connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	if handler == nil {
		_ = listener.Close()
		return errors.New("wsbridge: session handler required")
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var shutdown sync.WaitGroup
	shutdown.Add(1)
	stop := context.AfterFunc(ctx, func() {
		defer shutdown.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown error", zap.Error(err))
		}
	})
	defer func() {
		if stop() {
			shutdown.Done()
		}
		shutdown.Wait()
	}()

	s.logger.Info("listening", zap.Stringer("addr", listener.Addr()), zap.String("path", s.Path))

	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return fmt.Errorf("wsbridge: serve: %w", err)
}
