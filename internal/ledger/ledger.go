// Package ledger tracks every dispatched call from creation to its terminal
// state. The ledger is the authoritative record for concurrency accounting
// and campaign completion; rows are never deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tracked call.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusEnded     Status = "call-ended"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether the status is final. Terminal rows are sticky:
// no later transition may change status or end time.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Active reports whether the status counts against concurrency caps.
func (s Status) Active() bool {
	switch s {
	case StatusProcessed, StatusRinging, StatusOngoing:
		return true
	}
	return false
}

// FailureReason explains why a call ended in failed or timeout.
type FailureReason string

const (
	FailureBotNotReady    FailureReason = "bot_not_ready"
	FailureAPICall        FailureReason = "api_call_failed"
	FailureAPIException   FailureReason = "api_exception"
	FailureWebhookTimeout FailureReason = "webhook_timeout"
	FailureOneTimeCleanup FailureReason = "one_time_cleanup_timeout"
)

var (
	// ErrNotFound is returned when no row matches the given call UUID or SID.
	ErrNotFound = errors.New("ledger: call not found")
)

// Call is one row of the active-call ledger.
type Call struct {
	CallUUID        string
	TwilioCallSID   string
	ClientID        string
	CampaignID      string
	FromNumber      string
	ToNumber        string
	Provider        string
	Status          Status
	StatusTimestamp time.Time
	StartTime       time.Time
	EndTime         *time.Time
	DurationSecs    *int
	EndReason       string
	FailureReason   FailureReason
	WarmupAttempts  int
	WarmupDuration  time.Duration
	ContactIndex    *int
	SequenceNumber  *int
	ContactData     map[string]any

	IncludeGlobalContext bool
	IncludeAgentContext  bool
}

// TerminalInfo carries the optional fields written together with a terminal
// transition.
type TerminalInfo struct {
	EndReason     string
	DurationSecs  *int
	FailureReason FailureReason
}

// ExpiryLimits are the per-status ages after which a call with no webhook
// activity is considered stuck.
type ExpiryLimits struct {
	Processed time.Duration
	Ringing   time.Duration
	Ongoing   time.Duration
}

// Ledger is implemented by the Postgres store and the in-memory store.
type Ledger interface {
	// Insert writes a new row. A duplicate call UUID is coalesced into
	// success with created=false; the first writer wins and no fields are
	// updated.
	Insert(ctx context.Context, call Call) (created bool, err error)

	// InsertFailed records a call that never reached a provider (warmup or
	// validation failure, adapter error without a provider UUID). A synthetic
	// UUID is minted when call.CallUUID is empty. Returns the UUID written.
	InsertFailed(ctx context.Context, call Call, reason FailureReason) (string, error)

	// Transition moves a call to status, refreshing the status timestamp.
	// Terminal targets also set the end time. Returns applied=false with a
	// nil error when the row is already terminal; ErrNotFound when no row
	// has the UUID.
	Transition(ctx context.Context, callUUID string, status Status, info *TerminalInfo) (applied bool, err error)

	// AttachTwilioSID enriches a pre-reserved row with the provider SID once
	// the create-call response arrives.
	AttachTwilioSID(ctx context.Context, callUUID, twilioCallSID string) error

	FindByUUID(ctx context.Context, callUUID string) (Call, error)
	FindByTwilioSID(ctx context.Context, twilioCallSID string) (Call, error)

	// CountActive returns rows with status in {processed, ringing, ongoing};
	// clientID narrows to one tenant, empty means global.
	CountActive(ctx context.Context, clientID string) (int, error)

	ActiveForClient(ctx context.Context, clientID string, limit int) ([]Call, error)

	// ExpireStale flips rows whose status timestamp exceeds the per-status
	// limit to failed/webhook_timeout. Returns the number of rows expired.
	ExpireStale(ctx context.Context, limits ExpiryLimits) (int64, error)

	// ExpireAbandoned is the one-time cleanup variant: same limits, but rows
	// lacking a status timestamp are aged by start time, and the failure
	// reason is one_time_cleanup_timeout.
	ExpireAbandoned(ctx context.Context, limits ExpiryLimits) (int64, error)
}

// SyntheticFailedUUID mints an identifier for a ledger row whose call never
// received a provider UUID. The prefix keeps such rows greppable.
func SyntheticFailedUUID() string {
	return fmt.Sprintf("FAILED_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
