// Package sshserver exposes line-oriented sessions over SSH.
//
// Clients connect without authentication and talk to the handler through the
// session channel's stdin/stdout. Terminal allocation is refused, so clients
// should connect with "ssh -T".
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Handler serves one SSH session as a byte stream. addr is unique per session.
// The handler must close conn.
type Handler func(ctx context.Context, conn io.ReadWriteCloser, addr string)

// Server wraps the SSH listener lifecycle.
type Server struct {
	Addr   string
	Config *ssh.ServerConfig

	logger   *zap.Logger
	sessions atomic.Uint64
}

// New creates a Server with the provided host signer.
func New(addr string, signer ssh.Signer, logger *zap.Logger) *Server {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	cfg.AddHostKey(signer)

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		Addr:   addr,
		Config: cfg,
		logger: logger.Named("sshserver"),
	}
}

// ListenAndServe starts the SSH server until the context is cancelled or an error occurs.
func (s *Server) ListenAndServe(ctx context.Context, handler Handler) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts SSH connections on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	defer listener.Close()

	if handler == nil {
		return errors.New("sshserver: session handler required")
	}

	var conns sync.WaitGroup
	defer conns.Wait()

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
				return fmt.Errorf("sshserver: accept: %w", err)
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConn(ctx, conn, handler)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, tcpConn net.Conn, handler Handler) {
	defer tcpConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, s.Config)
	if err != nil {
		s.logger.Debug("handshake failed", zap.Stringer("remote", tcpConn.RemoteAddr()), zap.Error(err))
		return
	}
	defer sshConn.Close()

	s.logger.Info("new connection", zap.Stringer("remote", sshConn.RemoteAddr()), zap.ByteString("version", sshConn.ClientVersion()))

	go ssh.DiscardRequests(reqs)

	// Closing the connection on shutdown unblocks the channel loop below.
	stop := context.AfterFunc(ctx, func() { _ = sshConn.Close() })
	defer stop()

	var running sync.WaitGroup
	defer running.Wait()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Warn("channel accept failed", zap.Error(err))
			continue
		}

		addr := fmt.Sprintf("ssh:%s#%d", sshConn.RemoteAddr(), s.sessions.Add(1))
		running.Add(1)
		go func() {
			defer running.Done()
			s.serveSession(ctx, channel, requests, addr, handler)
		}()
	}
}

// serveSession waits for the client to ask for a shell, then hands the
// channel to handler while answering later requests in the background.
func (s *Server) serveSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, addr string, handler Handler) {
	conn := &sessionConn{Channel: channel}
	defer conn.Close()

	if !awaitShell(requests) {
		return
	}

	go func() {
		for req := range requests {
			replyTo(req)
		}
	}()

	handler(ctx, conn, addr)
}

func awaitShell(requests <-chan *ssh.Request) bool {
	for req := range requests {
		if replyTo(req) {
			return true
		}
	}
	return false
}

// replyTo answers a channel request and reports whether it started a shell.
func replyTo(req *ssh.Request) bool {
	switch req.Type {
	case "shell":
		_ = req.Reply(true, nil)
		return true
	case "env", "window-change", "signal":
		_ = req.Reply(true, nil)
	default:
		// includes "pty-req": the protocol is plain lines, no terminal.
		_ = req.Reply(false, nil)
	}
	return false
}

// sessionConn reports a zero exit status before closing so that clients
// disconnect cleanly.
type sessionConn struct {
	ssh.Channel
	once sync.Once
}

func (c *sessionConn) Close() error {
	c.once.Do(func() {
		_, _ = c.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
	})
	return c.Channel.Close()
}
