// Package gate answers "may this client start another call now?" against the
// live ledger counts. Polling is deliberate: the authoritative state lives in
// the store and workers are distributed, so a wake-up channel would only add
// a failure domain for a second or two of latency.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// ErrWaitTimeout is returned when the poll budget is exhausted without a free
// slot. Campaign workers pause their campaign on it.
var ErrWaitTimeout = errors.New("gate: timed out waiting for a call slot")

// ActiveCounter is the slice of the ledger the gate reads. An empty clientID
// counts globally.
type ActiveCounter interface {
	CountActive(ctx context.Context, clientID string) (int, error)
}

// ClientCaps resolves a tenant's per-client cap. A nil result means the
// tenant has no override and the configured default applies.
type ClientCaps interface {
	MaxConcurrentCalls(ctx context.Context, clientID string) (*int, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed      bool
	ClientActive int
	ClientLimit  int
	GlobalActive int
	GlobalLimit  int
	// Reason names the limiting scope when denied: "client" or "global".
	Reason string
}

type Config struct {
	Counter ActiveCounter
	Caps    ClientCaps

	GlobalMax        int
	DefaultClientMax int
	// PollInterval is the sleep between WaitForSlot checks (default 2s).
	PollInterval time.Duration
	// MaxAttempts bounds WaitForSlot polling (default 1000, ~33 min).
	MaxAttempts int

	Metrics *metrics.DispatchMetrics
	Logger  *logging.Logger
}

type Gate struct {
	counter          ActiveCounter
	caps             ClientCaps
	globalMax        int
	defaultClientMax int
	pollInterval     time.Duration
	maxAttempts      int
	metrics          *metrics.DispatchMetrics
	logger           *logging.Logger
}

func New(cfg Config) *Gate {
	globalMax := cfg.GlobalMax
	if globalMax <= 0 {
		globalMax = 50
	}
	defaultClientMax := cfg.DefaultClientMax
	if defaultClientMax <= 0 {
		defaultClientMax = 10
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{
		counter:          cfg.Counter,
		caps:             cfg.Caps,
		globalMax:        globalMax,
		defaultClientMax: defaultClientMax,
		pollInterval:     pollInterval,
		maxAttempts:      maxAttempts,
		metrics:          cfg.Metrics,
		logger:           logger,
	}
}

// Check reads live counts and compares them against the client and global
// caps. Counting errors fail closed.
func (g *Gate) Check(ctx context.Context, clientID string) (Decision, error) {
	clientLimit := g.defaultClientMax
	if g.caps != nil {
		max, err := g.caps.MaxConcurrentCalls(ctx, clientID)
		if err != nil {
			return Decision{}, err
		}
		if max != nil && *max > 0 {
			clientLimit = *max
		}
	}
	clientActive, err := g.counter.CountActive(ctx, clientID)
	if err != nil {
		return Decision{}, err
	}
	globalActive, err := g.counter.CountActive(ctx, "")
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		ClientActive: clientActive,
		ClientLimit:  clientLimit,
		GlobalActive: globalActive,
		GlobalLimit:  g.globalMax,
	}
	switch {
	case clientActive >= clientLimit:
		d.Reason = "client"
	case globalActive >= g.globalMax:
		d.Reason = "global"
	default:
		d.Allowed = true
	}
	if !d.Allowed {
		g.metrics.ObserveGateRejection(d.Reason)
	}
	return d, nil
}

// WaitResult reports how long slot acquisition took.
type WaitResult struct {
	Decision Decision
	Attempts int
	Waited   time.Duration
}

// WaitForSlot polls Check until a slot frees, the attempt budget runs out, or
// ctx is canceled. maxAttempts <= 0 uses the configured budget; pass 1 for a
// single-shot check (ad-hoc API calls).
func (g *Gate) WaitForSlot(ctx context.Context, clientID string, maxAttempts int) (WaitResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = g.maxAttempts
	}
	start := time.Now()
	var last Decision
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d, err := g.Check(ctx, clientID)
		if err != nil {
			return WaitResult{Attempts: attempt, Waited: time.Since(start)}, err
		}
		last = d
		if d.Allowed {
			waited := time.Since(start)
			g.metrics.ObserveGateWait(waited.Seconds())
			return WaitResult{Decision: d, Attempts: attempt, Waited: waited}, nil
		}
		if attempt == 1 {
			g.logger.Info("waiting for call slot",
				"client_id", clientID,
				"client_active", d.ClientActive,
				"client_limit", d.ClientLimit,
				"global_active", d.GlobalActive,
				"global_limit", d.GlobalLimit,
			)
		}
		if attempt < maxAttempts {
			timer := time.NewTimer(g.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return WaitResult{Decision: last, Attempts: attempt, Waited: time.Since(start)}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	waited := time.Since(start)
	g.metrics.ObserveGateWait(waited.Seconds())
	return WaitResult{Decision: last, Attempts: maxAttempts, Waited: waited}, ErrWaitTimeout
}
