package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies
// it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore persists campaigns in Postgres.
type PgStore struct {
	pool PgxPool
}

func NewPgStore(pool PgxPool) *PgStore {
	if pool == nil {
		return nil
	}
	return &PgStore{pool: pool}
}

const campaignColumns = `
	id, client_id, list_id, from_number, wss_url, provider_override,
	status, current_index, total_contacts, processed_contacts,
	container_id, heartbeat,
	include_global_context, include_agent_context,
	created_at, updated_at`

func (s *PgStore) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusRunning
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return Campaign{}, fmt.Errorf("campaign: create: client id required")
	}
	if strings.TrimSpace(c.ListID) == "" {
		return Campaign{}, fmt.Errorf("campaign: create: list id required")
	}
	query := `
		INSERT INTO campaigns (
			id, client_id, list_id, from_number, wss_url, provider_override,
			status, current_index, total_contacts, processed_contacts,
			include_global_context, include_agent_context,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''),
			$7, $8, $9, $10,
			$11, $12,
			now(), now())
	`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.ClientID, c.ListID, c.FromNumber, c.WSSURL, c.ProviderOverride,
		string(c.Status), c.CurrentIndex, c.TotalContacts, c.ProcessedContacts,
		c.IncludeGlobalContext, c.IncludeAgentContext,
	)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign: create: %w", err)
	}
	return c, nil
}

func (s *PgStore) FindByID(ctx context.Context, id string) (Campaign, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

func (s *PgStore) Claim(ctx context.Context, id, containerID string, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET container_id = $2, heartbeat = now(), updated_at = now()
		WHERE id = $1
		  AND status = 'running'
		  AND (container_id IS NULL OR container_id = $2 OR heartbeat IS NULL OR heartbeat < $3)
	`
	tag, err := s.pool.Exec(ctx, query, id, containerID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("campaign: claim: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) Heartbeat(ctx context.Context, id, containerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET heartbeat = now(), updated_at = now()
		WHERE id = $1 AND container_id = $2
	`, id, containerID)
	if err != nil {
		return fmt.Errorf("campaign: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) AdvanceCursor(ctx context.Context, id, containerID string) (bool, error) {
	query := `
		UPDATE campaigns
		SET current_index = current_index + 1,
		    processed_contacts = processed_contacts + 1,
		    updated_at = now()
		WHERE id = $1 AND container_id = $2 AND current_index < total_contacts
	`
	tag, err := s.pool.Exec(ctx, query, id, containerID)
	if err != nil {
		return false, fmt.Errorf("campaign: advance cursor: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PgStore) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("campaign: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) Release(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET container_id = NULL, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("campaign: release: %w", err)
	}
	return nil
}

func (s *PgStore) ReleaseOrphans(ctx context.Context, staleBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET container_id = NULL, updated_at = now()
		WHERE status = 'running'
		  AND container_id IS NOT NULL
		  AND (heartbeat IS NULL OR heartbeat < $1)
	`, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("campaign: release orphans: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PgStore) Claimable(ctx context.Context, staleBefore time.Time, limit int) ([]Campaign, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'running'
		  AND (container_id IS NULL OR heartbeat IS NULL OR heartbeat < $1)
		ORDER BY updated_at
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign: claimable: %w", err)
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCampaign(row pgx.Row) (Campaign, error) {
	var (
		c                Campaign
		providerOverride *string
		containerID      *string
		heartbeat        *time.Time
		status           string
	)
	err := row.Scan(
		&c.ID, &c.ClientID, &c.ListID, &c.FromNumber, &c.WSSURL, &providerOverride,
		&status, &c.CurrentIndex, &c.TotalContacts, &c.ProcessedContacts,
		&containerID, &heartbeat,
		&c.IncludeGlobalContext, &c.IncludeAgentContext,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign: scan: %w", err)
	}
	c.Status = Status(status)
	if providerOverride != nil {
		c.ProviderOverride = *providerOverride
	}
	if containerID != nil {
		c.ContainerID = *containerID
	}
	c.Heartbeat = heartbeat
	return c, nil
}
