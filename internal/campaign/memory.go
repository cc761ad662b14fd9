package campaign

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for worker and manager tests. It mirrors
// the Postgres store's lease semantics.
type MemoryStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{campaigns: make(map[string]*Campaign)}
}

func (m *MemoryStore) Create(_ context.Context, c Campaign) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusRunning
	}
	if c.ClientID == "" {
		return Campaign{}, fmt.Errorf("campaign: create: client id required")
	}
	if c.ListID == "" {
		return Campaign{}, fmt.Errorf("campaign: create: list id required")
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := c
	m.campaigns[c.ID] = &stored
	return c, nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return *c, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, containerID string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != StatusRunning {
		return false, nil
	}
	claimable := c.ContainerID == "" || c.ContainerID == containerID ||
		c.Heartbeat == nil || c.Heartbeat.Before(staleBefore)
	if !claimable {
		return false, nil
	}
	now := time.Now()
	c.ContainerID = containerID
	c.Heartbeat = &now
	c.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, id, containerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.ContainerID != containerID {
		return ErrNotFound
	}
	now := time.Now()
	c.Heartbeat = &now
	c.UpdatedAt = now
	return nil
}

func (m *MemoryStore) AdvanceCursor(_ context.Context, id, containerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.ContainerID != containerID || c.CurrentIndex >= c.TotalContacts {
		return false, nil
	}
	c.CurrentIndex++
	c.ProcessedContacts++
	c.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil
	}
	c.ContainerID = ""
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReleaseOrphans(_ context.Context, staleBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released int64
	for _, c := range m.campaigns {
		if c.Status != StatusRunning || c.ContainerID == "" {
			continue
		}
		if c.Heartbeat == nil || c.Heartbeat.Before(staleBefore) {
			c.ContainerID = ""
			c.UpdatedAt = time.Now()
			released++
		}
	}
	return released, nil
}

func (m *MemoryStore) Claimable(_ context.Context, staleBefore time.Time, limit int) ([]Campaign, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Campaign
	for _, c := range m.campaigns {
		if c.Status != StatusRunning {
			continue
		}
		if c.ContainerID == "" || c.Heartbeat == nil || c.Heartbeat.Before(staleBefore) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
