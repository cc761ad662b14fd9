// Package routing picks the provider and credentials for each outbound call.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotMapped means the from-number has no provider mapping and the
	// default provider applies.
	ErrNotMapped = errors.New("routing: number not mapped")
	// ErrUnknownProvider is a validation-stage error for bad overrides.
	ErrUnknownProvider = errors.New("routing: unknown provider")
)

// PgxPool is the subset of *pgxpool.Pool the number map needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NumberMap resolves a from-number to its provider.
type NumberMap interface {
	ProviderFor(ctx context.Context, fromNumber string) (string, error)
}

// PgNumberMap reads the provider_map table keyed by E.164 number.
type PgNumberMap struct {
	pool PgxPool
}

func NewPgNumberMap(pool PgxPool) *PgNumberMap {
	if pool == nil {
		return nil
	}
	return &PgNumberMap{pool: pool}
}

func (m *PgNumberMap) ProviderFor(ctx context.Context, fromNumber string) (string, error) {
	var providerName string
	err := m.pool.QueryRow(ctx,
		`SELECT provider FROM provider_map WHERE phone_number = $1`,
		normalizeNumber(fromNumber)).Scan(&providerName)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotMapped
	}
	if err != nil {
		return "", fmt.Errorf("routing: number lookup: %w", err)
	}
	return providerName, nil
}

func (m *PgNumberMap) SetProvider(ctx context.Context, fromNumber, providerName string) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO provider_map (phone_number, provider)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET provider = EXCLUDED.provider
	`, normalizeNumber(fromNumber), providerName)
	if err != nil {
		return fmt.Errorf("routing: set provider: %w", err)
	}
	return nil
}

// StaticNumberMap is an in-memory NumberMap for tests and single-tenant runs.
type StaticNumberMap map[string]string

func (m StaticNumberMap) ProviderFor(_ context.Context, fromNumber string) (string, error) {
	if providerName, ok := m[normalizeNumber(fromNumber)]; ok {
		return providerName, nil
	}
	return "", ErrNotMapped
}

// normalizeNumber strips everything but digits and a leading plus so lookups
// match regardless of formatting.
func normalizeNumber(number string) string {
	var b strings.Builder
	for i, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
