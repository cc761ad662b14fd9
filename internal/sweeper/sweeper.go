// Package sweeper expires calls whose provider webhooks never arrived. The
// ledger only ever moves forward on webhooks, so a lost hangup event would
// hold a concurrency slot forever without this.
package sweeper

import (
	"context"
	"time"

	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

type Config struct {
	Ledger ledger.Ledger
	Limits ledger.ExpiryLimits
	// Interval is the background sweep cadence (default 60s).
	Interval time.Duration

	Metrics *metrics.DispatchMetrics
	Logger  *logging.Logger
}

type Sweeper struct {
	ledger   ledger.Ledger
	limits   ledger.ExpiryLimits
	interval time.Duration
	metrics  *metrics.DispatchMetrics
	logger   *logging.Logger
}

func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		ledger:   cfg.Ledger,
		limits:   cfg.Limits,
		interval: interval,
		metrics:  cfg.Metrics,
		logger:   logger.Component("sweeper"),
	}
}

// Sweep expires rows whose webhook activity went quiet past the per-status
// limits.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	expired, err := s.ledger.ExpireStale(ctx, s.limits)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.metrics.ObserveSweep("periodic", expired)
		s.logger.Info("expired stuck calls", "expired", expired)
	}
	return expired, nil
}

// CleanupAll is the startup pass: it additionally ages rows that predate
// status timestamps by their start time, catching calls abandoned by an
// earlier deploy.
func (s *Sweeper) CleanupAll(ctx context.Context) (int64, error) {
	expired, err := s.ledger.ExpireAbandoned(ctx, s.limits)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.metrics.ObserveSweep("startup", expired)
		s.logger.Info("expired abandoned calls at startup", "expired", expired)
	}
	return expired, nil
}

// Run sweeps on a ticker until ctx is canceled. Errors are logged and the
// loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if active, err := s.ledger.CountActive(ctx, ""); err == nil {
				s.metrics.SetActiveCalls(active)
			}
		}
	}
}
