package routing

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

const numberCacheTTL = 10 * time.Minute

// missMarker is cached for unmapped numbers so repeated lookups of numbers on
// the default provider still skip the database.
const missMarker = "!unmapped"

// CachedNumberMap is a Redis read-through over another NumberMap.
type CachedNumberMap struct {
	inner  NumberMap
	redis  *redis.Client
	logger *logging.Logger
}

func NewCachedNumberMap(inner NumberMap, redisClient *redis.Client, logger *logging.Logger) *CachedNumberMap {
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedNumberMap{inner: inner, redis: redisClient, logger: logger}
}

func numberKey(number string) string { return "routing:number:" + normalizeNumber(number) }

func (c *CachedNumberMap) ProviderFor(ctx context.Context, fromNumber string) (string, error) {
	if c.redis != nil {
		value, err := c.redis.Get(ctx, numberKey(fromNumber)).Result()
		if err == nil {
			if value == missMarker {
				return "", ErrNotMapped
			}
			return value, nil
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("number map cache read failed", "from_number", fromNumber, "error", err)
		}
	}
	providerName, err := c.inner.ProviderFor(ctx, fromNumber)
	switch {
	case err == nil:
		c.backfill(ctx, fromNumber, providerName)
		return providerName, nil
	case errors.Is(err, ErrNotMapped):
		c.backfill(ctx, fromNumber, missMarker)
		return "", ErrNotMapped
	default:
		return "", err
	}
}

func (c *CachedNumberMap) backfill(ctx context.Context, fromNumber, value string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, numberKey(fromNumber), value, numberCacheTTL).Err(); err != nil {
		c.logger.Warn("number map cache write failed", "from_number", fromNumber, "error", err)
	}
}
