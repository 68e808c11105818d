// Package config loads linechat settings from the environment and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process configuration. Environment values are read first and
// flags override them.
type Config struct {
	ListenAddr     string        `env:"LINECHAT_LISTEN_ADDR"     envDefault:":8080"`
	SSHAddr        string        `env:"LINECHAT_SSH_ADDR"`
	SSHHostKey     string        `env:"LINECHAT_SSH_HOST_KEY"    envDefault:"configs/ssh_host_ed25519"`
	WSAddr         string        `env:"LINECHAT_WS_ADDR"`
	LogLevel       string        `env:"LINECHAT_LOG_LEVEL"       envDefault:"info"`
	LogFormat      string        `env:"LINECHAT_LOG_FORMAT"      envDefault:"json"`
	OTelEndpoint   string        `env:"LINECHAT_OTEL_ENDPOINT"`
	ReportInterval time.Duration `env:"LINECHAT_REPORT_INTERVAL" envDefault:"60s"`
	BufferSize     int           `env:"LINECHAT_BUFFER_SIZE"     envDefault:"32"`
	IdleTimeout    time.Duration `env:"LINECHAT_IDLE_TIMEOUT"    envDefault:"0s"`
}

// Parse loads environment defaults into a Config and then applies flags from args.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	if fs == nil {
		return Config{}, errors.New("config: flag set is required")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "TCP address for the chat server")
	fs.StringVar(&cfg.SSHAddr, "ssh-addr", cfg.SSHAddr, "SSH address for the chat server (disabled when empty)")
	fs.StringVar(&cfg.SSHHostKey, "host-key", cfg.SSHHostKey, "path to the SSH host private key (auto-generated if missing)")
	fs.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "WebSocket address for the chat server (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP endpoint URL for traces (disabled when empty)")
	fs.DurationVar(&cfg.ReportInterval, "report-interval", cfg.ReportInterval, "how often to log connected clients (0 disables)")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "lines buffered per client before the oldest are dropped")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "disconnect clients idle for this long (0 disables)")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("config: listen address is required")
	case c.BufferSize < 1:
		return fmt.Errorf("config: buffer size must be positive, got %d", c.BufferSize)
	case c.ReportInterval < 0:
		return fmt.Errorf("config: report interval must not be negative, got %s", c.ReportInterval)
	case c.IdleTimeout < 0:
		return fmt.Errorf("config: idle timeout must not be negative, got %s", c.IdleTimeout)
	case c.LogFormat != "json" && c.LogFormat != "console":
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}
