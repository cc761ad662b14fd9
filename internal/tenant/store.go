// Package tenant stores per-client configuration: concurrency caps and
// provider credentials.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when no client or credential row matches.
var ErrNotFound = errors.New("tenant: not found")

// Client is one tenant. MaxConcurrentCalls nil means the configured default
// cap applies.
type Client struct {
	ID                 string
	Name               string
	MaxConcurrentCalls *int
}

// Credential is a tenant-owned provider account. ValidatedNumbers, when
// non-empty, lists the only from-numbers the account may dial out on.
type Credential struct {
	ClientID         string
	Provider         string
	AccountID        string
	AuthToken        string
	ValidatedNumbers []string
}

// PgxPool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies
// it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) FindClient(ctx context.Context, clientID string) (Client, error) {
	var (
		c   Client
		max sql.NullInt64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, max_concurrent_calls FROM clients WHERE id = $1`,
		clientID).Scan(&c.ID, &c.Name, &max)
	if errors.Is(err, pgx.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("tenant: find client: %w", err)
	}
	if max.Valid {
		value := int(max.Int64)
		c.MaxConcurrentCalls = &value
	}
	return c, nil
}

// MaxConcurrentCalls resolves the tenant cap for the gate. Unknown clients
// fall through to the default (nil, nil): ad-hoc callers are not required to
// pre-register.
func (s *Store) MaxConcurrentCalls(ctx context.Context, clientID string) (*int, error) {
	c, err := s.FindClient(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.MaxConcurrentCalls, nil
}

func (s *Store) CredentialFor(ctx context.Context, clientID, providerName string) (Credential, error) {
	var cred Credential
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, provider, account_id, auth_token, COALESCE(validated_numbers, '{}')
		 FROM client_credentials
		 WHERE client_id = $1 AND provider = $2`,
		clientID, providerName).Scan(
		&cred.ClientID, &cred.Provider, &cred.AccountID, &cred.AuthToken, &cred.ValidatedNumbers)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("tenant: credential lookup: %w", err)
	}
	return cred, nil
}

func (s *Store) UpsertClient(ctx context.Context, c Client) error {
	var max *int
	if c.MaxConcurrentCalls != nil {
		max = c.MaxConcurrentCalls
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (id, name, max_concurrent_calls)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, max_concurrent_calls = EXCLUDED.max_concurrent_calls
	`, c.ID, c.Name, max)
	if err != nil {
		return fmt.Errorf("tenant: upsert client: %w", err)
	}
	return nil
}

func (s *Store) UpsertCredential(ctx context.Context, cred Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_credentials (client_id, provider, account_id, auth_token, validated_numbers)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, provider) DO UPDATE
		SET account_id = EXCLUDED.account_id,
			auth_token = EXCLUDED.auth_token,
			validated_numbers = EXCLUDED.validated_numbers
	`, cred.ClientID, cred.Provider, cred.AccountID, cred.AuthToken, cred.ValidatedNumbers)
	if err != nil {
		return fmt.Errorf("tenant: upsert credential: %w", err)
	}
	return nil
}
