// Command linechat runs the line-oriented chat relay over TCP, and optionally
// over SSH and WebSocket, until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ledzpl/linechat/internal/chat"
	"github.com/ledzpl/linechat/internal/config"
	"github.com/ledzpl/linechat/internal/reporter"
	"github.com/ledzpl/linechat/internal/telemetry"
	"github.com/ledzpl/linechat/pkg/sshserver"
	"github.com/ledzpl/linechat/pkg/tcpserver"
	"github.com/ledzpl/linechat/pkg/wsbridge"
)

const (
	serviceName              = "linechat"
	telemetryShutdownTimeout = 5 * time.Second

	// logLevelPath serves GET/PUT of the running log level on the WebSocket listener.
	logLevelPath = "/loglevel"
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	logger, level, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, level); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, level zap.AtomicLevel) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, "tracing", shutdownTracing)

	logger, shutdownLogs, err := telemetry.SetupLogExport(ctx, serviceName, cfg.OTelEndpoint, logger, level)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, "log export", shutdownLogs)

	room := chat.NewRoom(
		chat.WithLogger(logger.Named("chat")),
		chat.WithBufferSize(cfg.BufferSize),
		chat.WithIdleTimeout(cfg.IdleTimeout),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tcpserver.New(cfg.ListenAddr, logger).ListenAndServe(ctx, func(ctx context.Context, conn net.Conn) {
			room.HandleConn(ctx, conn, tcpserver.SessionAddr(conn))
		})
	})

	if cfg.SSHAddr != "" {
		signer, err := sshserver.LoadOrGenerateSigner(cfg.SSHHostKey)
		if err != nil {
			return fmt.Errorf("prepare host key: %w", err)
		}
		g.Go(func() error {
			return sshserver.New(cfg.SSHAddr, signer, logger).ListenAndServe(ctx, room.HandleConn)
		})
	}

	if cfg.WSAddr != "" {
		g.Go(func() error {
			ws := wsbridge.New(cfg.WSAddr, logger)
			ws.Handle(logLevelPath, level)
			return ws.ListenAndServe(ctx, room.HandleConn)
		})
	}

	if cfg.ReportInterval > 0 {
		g.Go(func() error {
			return reporter.New(room, cfg.ReportInterval, logger.Named("reporter")).Run(ctx)
		})
	}

	return g.Wait()
}

func shutdownTelemetry(logger *zap.Logger, what string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn(what+" shutdown", zap.Error(err))
	}
}
