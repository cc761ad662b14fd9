// Package bootstrap wires shared infrastructure for the API server and the
// campaign worker so both binaries build the engine the same way.
package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	appconfig "github.com/dialgrid/dialgrid/internal/config"
	"github.com/dialgrid/dialgrid/internal/dispatch"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/gate"
	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/internal/provider/plivo"
	"github.com/dialgrid/dialgrid/internal/provider/twilio"
	"github.com/dialgrid/dialgrid/internal/routing"
	"github.com/dialgrid/dialgrid/internal/sweeper"
	"github.com/dialgrid/dialgrid/internal/tenant"
	"github.com/dialgrid/dialgrid/internal/warmup"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// BuildPgxPool connects to Postgres and verifies the connection.
func BuildPgxPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil: the caches
// degrade to direct reads without Redis.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// Engine bundles the dispatch core and its collaborators. The API server
// exposes it over HTTP; the campaign worker drives it from the contact loop.
type Engine struct {
	Ledger     *ledger.Store
	Tenants    *tenant.CachedStore
	Resolver   *routing.Resolver
	Gate       *gate.Gate
	Warmup     *warmup.Client
	Dispatcher *dispatch.Dispatcher
	Sweeper    *sweeper.Sweeper
	Limits     ledger.ExpiryLimits
}

// BuildEngine assembles the dispatch pipeline from configuration and live
// connections. redisClient may be nil; the tenant and number-map caches fall
// through to Postgres.
func BuildEngine(cfg *appconfig.Config, pool *pgxpool.Pool, redisClient *redis.Client, hub *events.Hub, dispatchMetrics *metrics.DispatchMetrics, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}

	callLedger := ledger.NewStore(pool)
	tenants := tenant.NewCachedStore(tenant.NewStore(pool), redisClient, logger)
	numbers := routing.NewCachedNumberMap(routing.NewPgNumberMap(pool), redisClient, logger)

	adapters := map[string]provider.Adapter{
		provider.Plivo: plivo.NewAdapter(plivo.AdapterConfig{
			CallbackBaseURL: cfg.BaseURL,
			Logger:          logger,
		}),
		provider.Twilio: twilio.NewAdapter(twilio.AdapterConfig{
			CallbackBaseURL: cfg.BaseURL,
			Logger:          logger,
		}),
	}

	system := map[string]provider.Credentials{}
	if cfg.PlivoAuthID != "" {
		system[provider.Plivo] = provider.Credentials{
			AccountID: cfg.PlivoAuthID,
			AuthToken: cfg.PlivoAuthToken,
		}
	}
	if cfg.TwilioAccountSID != "" {
		system[provider.Twilio] = provider.Credentials{
			AccountID: cfg.TwilioAccountSID,
			AuthToken: cfg.TwilioAuthToken,
		}
	}

	resolver := routing.New(routing.Config{
		Numbers:         numbers,
		Tenants:         tenants,
		Adapters:        adapters,
		System:          system,
		DefaultProvider: cfg.DefaultProvider,
		Logger:          logger,
	})

	callGate := gate.New(gate.Config{
		Counter:          callLedger,
		Caps:             tenants,
		GlobalMax:        cfg.GlobalMaxCalls,
		DefaultClientMax: cfg.DefaultClientMaxCalls,
		PollInterval:     cfg.GatePollInterval,
		MaxAttempts:      cfg.GateMaxAttempts,
		Metrics:          dispatchMetrics,
		Logger:           logger,
	})

	warmer := warmup.New(warmup.Config{
		Enabled:     cfg.BotWarmupEnabled,
		MaxAttempts: cfg.BotWarmupAttempts,
		Timeout:     cfg.BotWarmupTimeout,
		Logger:      logger,
	})

	limits := ledger.ExpiryLimits{
		Processed: cfg.MaxProcessedTime,
		Ringing:   cfg.MaxRingingTime,
		Ongoing:   cfg.MaxOngoingTime,
	}

	var pacer *rate.Limiter
	if cfg.ProviderCallsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.ProviderCallsPerSecond), cfg.ProviderCallsPerSecond)
	}

	dispatcher := dispatch.New(dispatch.Config{
		Ledger:  callLedger,
		Gate:    callGate,
		Router:  resolver,
		Warmer:  warmer,
		Limits:  limits,
		Pacer:   pacer,
		Events:  hub,
		Metrics: dispatchMetrics,
		Logger:  logger,
	})

	callSweeper := sweeper.New(sweeper.Config{
		Ledger:   callLedger,
		Limits:   limits,
		Interval: cfg.CleanupInterval,
		Metrics:  dispatchMetrics,
		Logger:   logger,
	})

	return &Engine{
		Ledger:     callLedger,
		Tenants:    tenants,
		Resolver:   resolver,
		Gate:       callGate,
		Warmup:     warmer,
		Dispatcher: dispatcher,
		Sweeper:    callSweeper,
		Limits:     limits,
	}
}
