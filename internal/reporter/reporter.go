// Package reporter periodically logs who is connected to the chat room.
package reporter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Roster lists the nicknames currently connected.
type Roster interface {
	Nicknames() []string
}

// Reporter logs a roster snapshot on every tick. It never mutates the roster.
type Reporter struct {
	roster   Roster
	interval time.Duration
	logger   *zap.Logger
}

// New creates a Reporter. A nil logger discards reports.
func New(roster Roster, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		roster:   roster,
		interval: interval,
		logger:   logger.With(zap.String("reporter", uuid.NewString())),
	}
}

// Run reports until ctx is cancelled. The first report is emitted one full
// interval after Run starts.
func (r *Reporter) Run(ctx context.Context) error {
	if r.roster == nil {
		return errors.New("reporter: roster required")
	}
	if r.interval <= 0 {
		return errors.New("reporter: interval must be positive")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	nicks := r.roster.Nicknames()
	r.logger.Info("clients connected", zap.Int("total", len(nicks)), zap.Strings("nicks", nicks))
}
