package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Ledger used by worker and pipeline tests. It
// mirrors the Postgres store's semantics, including duplicate coalescing and
// terminal stickiness.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]*Call
	bySID map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]*Call),
		bySID: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, call Call) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call.CallUUID == "" {
		return false, fmt.Errorf("ledger: insert: empty call uuid")
	}
	if _, exists := m.calls[call.CallUUID]; exists {
		return false, nil
	}
	if call.Status == "" {
		call.Status = StatusProcessed
	}
	now := time.Now()
	if call.StartTime.IsZero() {
		call.StartTime = now
	}
	if call.StatusTimestamp.IsZero() {
		call.StatusTimestamp = now
	}
	stored := call
	m.calls[call.CallUUID] = &stored
	if call.TwilioCallSID != "" {
		m.bySID[call.TwilioCallSID] = call.CallUUID
	}
	return true, nil
}

func (m *MemoryStore) InsertFailed(ctx context.Context, call Call, reason FailureReason) (string, error) {
	if call.CallUUID == "" {
		call.CallUUID = SyntheticFailedUUID()
	}
	now := time.Now()
	call.Status = StatusFailed
	call.FailureReason = reason
	call.EndTime = &now
	if _, err := m.Insert(ctx, call); err != nil {
		return "", err
	}
	return call.CallUUID, nil
}

func (m *MemoryStore) Transition(_ context.Context, callUUID string, status Status, info *TerminalInfo) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callUUID]
	if !ok {
		return false, ErrNotFound
	}
	if call.Status.Terminal() {
		return false, nil
	}
	now := time.Now()
	call.Status = status
	call.StatusTimestamp = now
	if status.Terminal() {
		call.EndTime = &now
	}
	if info != nil {
		if info.DurationSecs != nil {
			call.DurationSecs = info.DurationSecs
		}
		if info.EndReason != "" {
			call.EndReason = info.EndReason
		}
		if info.FailureReason != "" {
			call.FailureReason = info.FailureReason
		}
	}
	return true, nil
}

func (m *MemoryStore) AttachTwilioSID(_ context.Context, callUUID, twilioCallSID string) error {
	if twilioCallSID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callUUID]
	if !ok {
		return ErrNotFound
	}
	call.TwilioCallSID = twilioCallSID
	m.bySID[twilioCallSID] = callUUID
	return nil
}

func (m *MemoryStore) FindByUUID(_ context.Context, callUUID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.calls[callUUID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return *call, nil
}

func (m *MemoryStore) FindByTwilioSID(_ context.Context, twilioCallSID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uuid, ok := m.bySID[twilioCallSID]
	if !ok {
		return Call{}, ErrNotFound
	}
	return *m.calls[uuid], nil
}

func (m *MemoryStore) CountActive(_ context.Context, clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, call := range m.calls {
		if !call.Status.Active() {
			continue
		}
		if clientID != "" && call.ClientID != clientID {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) ActiveForClient(_ context.Context, clientID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, call := range m.calls {
		if call.Status.Active() && call.ClientID == clientID {
			out = append(out, *call)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireStale(_ context.Context, limits ExpiryLimits) (int64, error) {
	return m.expire(limits, FailureWebhookTimeout, false), nil
}

func (m *MemoryStore) ExpireAbandoned(_ context.Context, limits ExpiryLimits) (int64, error) {
	return m.expire(limits, FailureOneTimeCleanup, true), nil
}

func (m *MemoryStore) expire(limits ExpiryLimits, reason FailureReason, fallbackStartTime bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var expired int64
	for _, call := range m.calls {
		var limit time.Duration
		switch call.Status {
		case StatusProcessed:
			limit = limits.Processed
		case StatusRinging:
			limit = limits.Ringing
		case StatusOngoing:
			limit = limits.Ongoing
		default:
			continue
		}
		aged := call.StatusTimestamp
		if aged.IsZero() && fallbackStartTime {
			aged = call.StartTime
		}
		if aged.IsZero() || now.Sub(aged) <= limit {
			continue
		}
		end := now
		call.Status = StatusFailed
		call.FailureReason = reason
		call.EndTime = &end
		call.StatusTimestamp = now
		expired++
	}
	return expired
}
