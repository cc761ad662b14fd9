// Package campaign runs contact lists through the call pipeline with a
// persisted resume cursor. Ownership is a lease: a worker holds a campaign by
// writing its container id and heartbeating; a stale heartbeat lets another
// worker take over from the same cursor.
package campaign

import (
	"context"
	"errors"
	"time"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when no campaign matches the given id.
var ErrNotFound = errors.New("campaign: not found")

// Campaign is one outbound calling run over a contact list.
type Campaign struct {
	ID         string
	ClientID   string
	ListID     string
	FromNumber string
	WSSURL     string
	// ProviderOverride forces a provider for every call; empty routes by
	// number.
	ProviderOverride string

	Status            Status
	CurrentIndex      int
	TotalContacts     int
	ProcessedContacts int

	// ContainerID identifies the worker currently holding the lease.
	ContainerID string
	Heartbeat   *time.Time

	IncludeGlobalContext bool
	IncludeAgentContext  bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists campaigns. All mutations are single-row atomic updates; the
// cursor and the lease live in the same row so a claim and a resume read are
// never inconsistent.
type Store interface {
	Create(ctx context.Context, c Campaign) (Campaign, error)
	FindByID(ctx context.Context, id string) (Campaign, error)

	// Claim takes the lease via compare-and-set: it succeeds only when the
	// campaign is running and unowned, or its heartbeat is older than
	// staleBefore.
	Claim(ctx context.Context, id, containerID string, staleBefore time.Time) (bool, error)

	// Heartbeat refreshes the lease. ErrNotFound when the lease is no longer
	// held by containerID.
	Heartbeat(ctx context.Context, id, containerID string) error

	// AdvanceCursor increments currentIndex and processedContacts by one,
	// guarded by lease ownership. Returns false when the guard fails.
	AdvanceCursor(ctx context.Context, id, containerID string) (bool, error)

	SetStatus(ctx context.Context, id string, status Status) error

	// Release clears the lease so another worker may claim immediately.
	Release(ctx context.Context, id string) error

	// ReleaseOrphans clears the lease on running campaigns whose heartbeat is
	// older than staleBefore. Returns how many were released.
	ReleaseOrphans(ctx context.Context, staleBefore time.Time) (int64, error)

	// Claimable lists running campaigns that are unowned or stale, for the
	// manager's pickup scan.
	Claimable(ctx context.Context, staleBefore time.Time, limit int) ([]Campaign, error)
}
