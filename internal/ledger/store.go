package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

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

// Store persists the active-call ledger in Postgres. Every mutation targets
// exactly one row keyed by call_uuid, so no transactions are required.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const callColumns = `
	call_uuid, twilio_call_sid, client_id, campaign_id,
	from_number, to_number, provider, status,
	status_timestamp, start_time, end_time, duration_secs,
	end_reason, failure_reason, warmup_attempts, warmup_duration_ms,
	contact_index, sequence_number, contact_data,
	include_global_context, include_agent_context`

func (s *Store) Insert(ctx context.Context, call Call) (bool, error) {
	if strings.TrimSpace(call.CallUUID) == "" {
		return false, fmt.Errorf("ledger: insert: empty call uuid")
	}
	if call.Status == "" {
		call.Status = StatusProcessed
	}
	var contactData []byte
	if call.ContactData != nil {
		encoded, err := json.Marshal(call.ContactData)
		if err != nil {
			return false, fmt.Errorf("ledger: marshal contact data: %w", err)
		}
		contactData = encoded
	}
	query := `
		INSERT INTO active_calls (
			call_uuid, twilio_call_sid, client_id, campaign_id,
			from_number, to_number, provider, status,
			status_timestamp, start_time, end_time, duration_secs,
			end_reason, failure_reason, warmup_attempts, warmup_duration_ms,
			contact_index, sequence_number, contact_data,
			include_global_context, include_agent_context
		)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''),
			$5, $6, $7, $8,
			now(), now(), $9, $10,
			NULLIF($11, ''), NULLIF($12, ''), $13, $14,
			$15, $16, $17,
			$18, $19)
		ON CONFLICT (call_uuid) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		call.CallUUID, call.TwilioCallSID, call.ClientID, call.CampaignID,
		call.FromNumber, call.ToNumber, call.Provider, string(call.Status),
		call.EndTime, call.DurationSecs,
		call.EndReason, string(call.FailureReason), call.WarmupAttempts, call.WarmupDuration.Milliseconds(),
		call.ContactIndex, call.SequenceNumber, contactData,
		call.IncludeGlobalContext, call.IncludeAgentContext)
	if err != nil {
		return false, fmt.Errorf("ledger: insert call: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) InsertFailed(ctx context.Context, call Call, reason FailureReason) (string, error) {
	if strings.TrimSpace(call.CallUUID) == "" {
		call.CallUUID = SyntheticFailedUUID()
	}
	now := time.Now()
	call.Status = StatusFailed
	call.FailureReason = reason
	call.EndTime = &now
	if _, err := s.Insert(ctx, call); err != nil {
		return "", err
	}
	return call.CallUUID, nil
}

func (s *Store) Transition(ctx context.Context, callUUID string, status Status, info *TerminalInfo) (bool, error) {
	var (
		endTime       *time.Time
		durationSecs  *int
		endReason     string
		failureReason FailureReason
	)
	if status.Terminal() {
		now := time.Now()
		endTime = &now
	}
	if info != nil {
		durationSecs = info.DurationSecs
		endReason = info.EndReason
		failureReason = info.FailureReason
	}
	query := `
		UPDATE active_calls
		SET status = $2,
			status_timestamp = now(),
			end_time = COALESCE($3, end_time),
			duration_secs = COALESCE($4, duration_secs),
			end_reason = COALESCE(NULLIF($5, ''), end_reason),
			failure_reason = COALESCE(NULLIF($6, ''), failure_reason)
		WHERE call_uuid = $1
			AND status NOT IN ('call-ended', 'failed', 'timeout')
	`
	tag, err := s.pool.Exec(ctx, query, callUUID, string(status), endTime, durationSecs, endReason, string(failureReason))
	if err != nil {
		return false, fmt.Errorf("ledger: transition call: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Either the row does not exist or it already reached a terminal state.
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM active_calls WHERE call_uuid = $1`, callUUID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("ledger: transition lookup: %w", err)
	}
	return false, nil
}

func (s *Store) AttachTwilioSID(ctx context.Context, callUUID, twilioCallSID string) error {
	twilioCallSID = strings.TrimSpace(twilioCallSID)
	if twilioCallSID == "" {
		return nil
	}
	query := `
		UPDATE active_calls
		SET twilio_call_sid = $2
		WHERE call_uuid = $1
	`
	tag, err := s.pool.Exec(ctx, query, callUUID, twilioCallSID)
	if err != nil {
		return fmt.Errorf("ledger: attach twilio sid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FindByUUID(ctx context.Context, callUUID string) (Call, error) {
	query := `SELECT ` + callColumns + ` FROM active_calls WHERE call_uuid = $1`
	return s.scanCall(s.pool.QueryRow(ctx, query, callUUID))
}

func (s *Store) FindByTwilioSID(ctx context.Context, twilioCallSID string) (Call, error) {
	query := `SELECT ` + callColumns + ` FROM active_calls WHERE twilio_call_sid = $1`
	return s.scanCall(s.pool.QueryRow(ctx, query, twilioCallSID))
}

func (s *Store) CountActive(ctx context.Context, clientID string) (int, error) {
	var count int
	if clientID == "" {
		query := `
			SELECT COUNT(*) FROM active_calls
			WHERE status IN ('processed', 'ringing', 'ongoing')
		`
		if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
			return 0, fmt.Errorf("ledger: count active: %w", err)
		}
		return count, nil
	}
	query := `
		SELECT COUNT(*) FROM active_calls
		WHERE status IN ('processed', 'ringing', 'ongoing')
			AND client_id = $1
	`
	if err := s.pool.QueryRow(ctx, query, clientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count active for client: %w", err)
	}
	return count, nil
}

func (s *Store) ActiveForClient(ctx context.Context, clientID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + callColumns + `
		FROM active_calls
		WHERE client_id = $1 AND status IN ('processed', 'ringing', 'ongoing')
		ORDER BY start_time DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: active for client: %w", err)
	}
	defer rows.Close()
	var out []Call
	for rows.Next() {
		call, err := s.scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, call)
	}
	return out, rows.Err()
}

func (s *Store) ExpireStale(ctx context.Context, limits ExpiryLimits) (int64, error) {
	now := time.Now()
	query := `
		UPDATE active_calls
		SET status = 'failed',
			failure_reason = 'webhook_timeout',
			end_time = now(),
			status_timestamp = now()
		WHERE (status = 'processed' AND status_timestamp < $1)
			OR (status = 'ringing' AND status_timestamp < $2)
			OR (status = 'ongoing' AND status_timestamp < $3)
	`
	tag, err := s.pool.Exec(ctx, query,
		now.Add(-limits.Processed), now.Add(-limits.Ringing), now.Add(-limits.Ongoing))
	if err != nil {
		return 0, fmt.Errorf("ledger: expire stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ExpireAbandoned(ctx context.Context, limits ExpiryLimits) (int64, error) {
	now := time.Now()
	query := `
		UPDATE active_calls
		SET status = 'failed',
			failure_reason = 'one_time_cleanup_timeout',
			end_time = now(),
			status_timestamp = now()
		WHERE (status = 'processed' AND COALESCE(status_timestamp, start_time) < $1)
			OR (status = 'ringing' AND COALESCE(status_timestamp, start_time) < $2)
			OR (status = 'ongoing' AND COALESCE(status_timestamp, start_time) < $3)
	`
	tag, err := s.pool.Exec(ctx, query,
		now.Add(-limits.Processed), now.Add(-limits.Ringing), now.Add(-limits.Ongoing))
	if err != nil {
		return 0, fmt.Errorf("ledger: expire abandoned: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) scanCall(row pgx.Row) (Call, error) {
	var (
		call            Call
		twilioSID       sql.NullString
		campaignID      sql.NullString
		statusTimestamp sql.NullTime
		endTime         sql.NullTime
		durationSecs    sql.NullInt64
		endReason       sql.NullString
		failureReason   sql.NullString
		warmupMillis    int64
		contactIndex    sql.NullInt64
		sequenceNumber  sql.NullInt64
		contactData     []byte
	)
	err := row.Scan(
		&call.CallUUID, &twilioSID, &call.ClientID, &campaignID,
		&call.FromNumber, &call.ToNumber, &call.Provider, &call.Status,
		&statusTimestamp, &call.StartTime, &endTime, &durationSecs,
		&endReason, &failureReason, &call.WarmupAttempts, &warmupMillis,
		&contactIndex, &sequenceNumber, &contactData,
		&call.IncludeGlobalContext, &call.IncludeAgentContext)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("ledger: scan call: %w", err)
	}
	call.TwilioCallSID = twilioSID.String
	call.CampaignID = campaignID.String
	if statusTimestamp.Valid {
		call.StatusTimestamp = statusTimestamp.Time
	} else {
		call.StatusTimestamp = call.StartTime
	}
	if endTime.Valid {
		value := endTime.Time
		call.EndTime = &value
	}
	if durationSecs.Valid {
		value := int(durationSecs.Int64)
		call.DurationSecs = &value
	}
	call.EndReason = endReason.String
	call.FailureReason = FailureReason(failureReason.String)
	call.WarmupDuration = time.Duration(warmupMillis) * time.Millisecond
	if contactIndex.Valid {
		value := int(contactIndex.Int64)
		call.ContactIndex = &value
	}
	if sequenceNumber.Valid {
		value := int(sequenceNumber.Int64)
		call.SequenceNumber = &value
	}
	if len(contactData) > 0 {
		if err := json.Unmarshal(contactData, &call.ContactData); err != nil {
			return Call{}, fmt.Errorf("ledger: decode contact data: %w", err)
		}
	}
	return call, nil
}
