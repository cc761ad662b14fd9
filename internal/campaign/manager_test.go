package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/queue"
)

func TestManagerRunsQueuedCampaign(t *testing.T) {
	store := NewMemoryStore()
	c, src := seedCampaign(t, store, 3)
	d := &fakeDispatcher{}
	q := queue.NewMemoryQueue(4)

	m := NewManager(ManagerConfig{
		Store:              store,
		Queue:              q,
		Worker:             newTestWorker(store, src, d),
		MaxConcurrentCampaigns: 2,
		ScanInterval:       time.Hour, // queue path only
		ReceiveWaitSeconds: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	if err := q.PublishStart(ctx, queue.StartCommand{CampaignID: c.ID, ClientID: c.ClientID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := store.FindByID(context.Background(), c.ID)
		if got.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("campaign never completed: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
	if d.count() != 3 {
		t.Fatalf("expected 3 dispatches, got %d", d.count())
	}
}

func TestManagerScanPicksUpClaimable(t *testing.T) {
	store := NewMemoryStore()
	c, src := seedCampaign(t, store, 2)
	d := &fakeDispatcher{}

	m := NewManager(ManagerConfig{
		Store:           store,
		Worker:          newTestWorker(store, src, d),
		ScanInterval:    20 * time.Millisecond,
		OrphanThreshold: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := store.FindByID(context.Background(), c.ID)
		if got.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan never picked up the campaign: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestNewContainerIDIsUnique(t *testing.T) {
	a, b := NewContainerID(), NewContainerID()
	if a == "" || a == b {
		t.Fatalf("container ids must be unique: %q %q", a, b)
	}
}
