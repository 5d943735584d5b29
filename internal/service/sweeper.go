package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/graph-relay/config"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/data"
	"github.com/target/graph-relay/internal/observability/statsd"
)

// SweeperServiceOptions groups dependencies for SweeperService.
type SweeperServiceOptions struct {
	Ledger  core.LedgerRepository // Required: ledger to expire rows from
	Config  config.SweeperConfig  // Required: interval, retention, batch size
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metric sink
	Clock   data.TimeProvider     // Optional: time source
}

// SweeperService expires ledger rows older than the retention window. Expired
// hashes become publishable again, so retention bounds both table growth and
// the dedup horizon.
type SweeperService struct {
	ledger  core.LedgerRepository
	cfg     config.SweeperConfig
	logger  *slog.Logger
	metrics statsd.Sink
	clock   data.TimeProvider
}

// NewSweeperService constructs the retention sweeper.
func NewSweeperService(opts SweeperServiceOptions) (*SweeperService, error) {
	if opts.Ledger == nil {
		return nil, errors.New("LedgerRepository is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = &data.RealTimeProvider{}
	}

	return &SweeperService{
		ledger:  opts.Ledger,
		cfg:     cfg,
		logger:  logger.With("component", "sweeper"),
		metrics: opts.Metrics,
		clock:   clock,
	}, nil
}

// Run sweeps once immediately, then on every interval tick until the context
// ends. Sweep failures are logged and retried on the next tick.
func (s *SweeperService) Run(ctx context.Context) error {
	s.logger.Info("sweeper running",
		"interval", s.cfg.Interval,
		"retention", s.cfg.Retention,
	)
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *SweeperService) sweepAndLog(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("sweep failed", "error", err)
		if s.metrics != nil {
			s.metrics.Count("sweeper.errors", 1, nil)
		}
		return
	}
	if removed > 0 {
		s.logger.Info("expired ledger entries", "count", removed)
	}
	if s.metrics != nil && removed > 0 {
		s.metrics.Count("sweeper.expired", removed, nil)
	}
}

// Sweep deletes rows older than the retention cutoff in batches until none
// remain, returning the total removed.
func (s *SweeperService) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)

	var total int64
	for {
		removed, err := s.ledger.DeleteOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		total += removed
		if removed == 0 {
			return total, nil
		}
	}
}
