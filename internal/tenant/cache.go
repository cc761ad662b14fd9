package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

const cacheTTL = 5 * time.Minute

// CachedStore is a Redis read-through over Store. Postgres stays the source
// of truth; cache failures degrade to direct reads.
type CachedStore struct {
	store  *Store
	redis  *redis.Client
	logger *logging.Logger
}

func NewCachedStore(store *Store, redisClient *redis.Client, logger *logging.Logger) *CachedStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedStore{store: store, redis: redisClient, logger: logger}
}

type cachedClient struct {
	Client Client `json:"client"`
	Found  bool   `json:"found"`
}

func clientKey(clientID string) string { return "tenant:client:" + clientID }

func (c *CachedStore) FindClient(ctx context.Context, clientID string) (Client, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, clientKey(clientID)).Bytes()
		if err == nil {
			var cached cachedClient
			if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
				if !cached.Found {
					return Client{}, ErrNotFound
				}
				return cached.Client, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("tenant cache read failed", "client_id", clientID, "error", err)
		}
	}
	client, err := c.store.FindClient(ctx, clientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Client{}, err
	}
	c.backfill(ctx, clientID, cachedClient{Client: client, Found: err == nil})
	if err != nil {
		return Client{}, err
	}
	return client, nil
}

func (c *CachedStore) MaxConcurrentCalls(ctx context.Context, clientID string) (*int, error) {
	client, err := c.FindClient(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return client.MaxConcurrentCalls, nil
}

// CredentialFor is not cached: tokens rotate and credential reads happen once
// per dispatch, not per poll.
func (c *CachedStore) CredentialFor(ctx context.Context, clientID, providerName string) (Credential, error) {
	return c.store.CredentialFor(ctx, clientID, providerName)
}

// Invalidate drops the cached entry after a write.
func (c *CachedStore) Invalidate(ctx context.Context, clientID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, clientKey(clientID)).Err(); err != nil {
		c.logger.Warn("tenant cache invalidate failed", "client_id", clientID, "error", err)
	}
}

func (c *CachedStore) backfill(ctx context.Context, clientID string, entry cachedClient) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, clientKey(clientID), data, cacheTTL).Err(); err != nil {
		c.logger.Warn("tenant cache write failed", "client_id", clientID, "error", err)
	}
}
