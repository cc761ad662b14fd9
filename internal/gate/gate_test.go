package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/ledger"
)

type staticCaps struct {
	caps map[string]int
	err  error
}

func (s *staticCaps) MaxConcurrentCalls(_ context.Context, clientID string) (*int, error) {
	if s.err != nil {
		return nil, s.err
	}
	if max, ok := s.caps[clientID]; ok {
		return &max, nil
	}
	return nil, nil
}

func seedActive(t *testing.T, store *ledger.MemoryStore, clientID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := store.Insert(context.Background(), ledger.Call{
			CallUUID: clientID + "-" + string(rune('a'+i)),
			ClientID: clientID,
			Status:   ledger.StatusOngoing,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestCheckAllows(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 1)
	g := New(Config{Counter: store, Caps: &staticCaps{}, GlobalMax: 50, DefaultClientMax: 10})

	d, err := g.Check(context.Background(), "c1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.ClientActive != 1 || d.ClientLimit != 10 || d.GlobalLimit != 50 {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestCheckClientCap(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 2)
	g := New(Config{
		Counter:          store,
		Caps:             &staticCaps{caps: map[string]int{"c1": 2}},
		GlobalMax:        50,
		DefaultClientMax: 10,
	})
	d, err := g.Check(context.Background(), "c1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != "client" {
		t.Fatalf("expected client denial, got %+v", d)
	}
}

func TestCheckGlobalCap(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 2)
	seedActive(t, store, "c2", 2)
	g := New(Config{Counter: store, Caps: &staticCaps{}, GlobalMax: 4, DefaultClientMax: 10})
	d, err := g.Check(context.Background(), "c3")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != "global" {
		t.Fatalf("expected global denial, got %+v", d)
	}
}

func TestCheckFailsClosed(t *testing.T) {
	store := ledger.NewMemoryStore()
	g := New(Config{Counter: store, Caps: &staticCaps{err: errors.New("db down")}})
	if _, err := g.Check(context.Background(), "c1"); err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestWaitForSlotTimesOut(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 1)
	g := New(Config{
		Counter:          store,
		Caps:             &staticCaps{caps: map[string]int{"c1": 1}},
		GlobalMax:        50,
		DefaultClientMax: 10,
		PollInterval:     5 * time.Millisecond,
	})
	result, err := g.WaitForSlot(context.Background(), "c1", 3)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestWaitForSlotAcquiresWhenFreed(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 1)
	g := New(Config{
		Counter:          store,
		Caps:             &staticCaps{caps: map[string]int{"c1": 1}},
		GlobalMax:        50,
		PollInterval:     5 * time.Millisecond,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(15 * time.Millisecond)
		// Hangup frees the slot.
		if _, err := store.Transition(context.Background(), "c1-a", ledger.StatusEnded, nil); err != nil {
			t.Errorf("free slot: %v", err)
		}
	}()

	result, err := g.WaitForSlot(context.Background(), "c1", 50)
	wg.Wait()
	if err != nil {
		t.Fatalf("wait for slot: %v", err)
	}
	if !result.Decision.Allowed || result.Attempts < 2 {
		t.Fatalf("expected eventual admission after polling, got %+v", result)
	}
}

func TestWaitForSlotHonorsContext(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 1)
	g := New(Config{
		Counter:      store,
		Caps:         &staticCaps{caps: map[string]int{"c1": 1}},
		PollInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.WaitForSlot(ctx, "c1", 100)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestWaitForSlotSingleShot(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedActive(t, store, "c1", 1)
	g := New(Config{
		Counter: store,
		Caps:    &staticCaps{caps: map[string]int{"c1": 1}},
	})
	result, err := g.WaitForSlot(context.Background(), "c1", 1)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected immediate timeout, got %v", err)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", result.Attempts)
	}
}
