package campaign

import (
	"context"
	"time"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

type OrphanDetectorConfig struct {
	Store Store
	// Threshold is how stale a running campaign's heartbeat must be before
	// its lease is cleared (default 2m).
	Threshold time.Duration
	// ScanInterval is the detection cadence (default 60s).
	ScanInterval time.Duration

	Logger *logging.Logger
}

// OrphanDetector returns campaigns whose worker died to a claimable state.
// It only clears the lease; the cursor is untouched, so the next claimant
// resumes without replaying contacts.
type OrphanDetector struct {
	store        Store
	threshold    time.Duration
	scanInterval time.Duration
	logger       *logging.Logger
}

func NewOrphanDetector(cfg OrphanDetectorConfig) *OrphanDetector {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	scanInterval := cfg.ScanInterval
	if scanInterval <= 0 {
		scanInterval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &OrphanDetector{
		store:        cfg.Store,
		threshold:    threshold,
		scanInterval: scanInterval,
		logger:       logger.Component("orphan-detector"),
	}
}

// Scan releases stale leases once and reports how many campaigns were freed.
func (d *OrphanDetector) Scan(ctx context.Context) (int64, error) {
	released, err := d.store.ReleaseOrphans(ctx, time.Now().Add(-d.threshold))
	if err != nil {
		return 0, err
	}
	if released > 0 {
		d.logger.Warn("released orphaned campaigns", "count", released)
	}
	return released, nil
}

// Run scans on a ticker until ctx is canceled.
func (d *OrphanDetector) Run(ctx context.Context) {
	d.logger.Info("orphan detector started",
		"threshold", d.threshold.String(),
		"scan_interval", d.scanInterval.String())
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("orphan detector stopped")
			return
		case <-ticker.C:
			if _, err := d.Scan(ctx); err != nil {
				d.logger.Error("orphan scan failed", "error", err)
			}
		}
	}
}
