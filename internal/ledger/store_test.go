package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestStoreInsertCoalescesDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectExec("INSERT INTO active_calls").
		WithArgs("uuid-1", "", "client-1", "", "+15550001111", "+15552223333", "plivo", "processed",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO active_calls").
		WithArgs("uuid-1", "", "client-1", "", "+15550001111", "+15552223333", "plivo", "processed",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	call := Call{
		CallUUID:   "uuid-1",
		ClientID:   "client-1",
		FromNumber: "+15550001111",
		ToNumber:   "+15552223333",
		Provider:   "plivo",
	}
	created, err := store.Insert(context.Background(), call)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !created {
		t.Fatal("expected first insert to create")
	}
	created, err = store.Insert(context.Background(), call)
	if err != nil {
		t.Fatalf("duplicate insert should coalesce: %v", err)
	}
	if created {
		t.Fatal("expected duplicate insert to report created=false")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreInsertRejectsEmptyUUID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)
	if _, err := store.Insert(context.Background(), Call{ClientID: "c"}); err == nil {
		t.Fatal("expected error for empty call uuid")
	}
}

func TestStoreTransitionTerminalIsSticky(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	// Zero rows updated, the row exists but already reached a terminal state.
	mock.ExpectExec("UPDATE active_calls").
		WithArgs("uuid-1", "ongoing", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM active_calls").
		WithArgs("uuid-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("call-ended"))

	applied, err := store.Transition(context.Background(), "uuid-1", StatusOngoing, nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if applied {
		t.Fatal("expected no-op on terminal row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreTransitionUnknownUUID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectExec("UPDATE active_calls").
		WithArgs("ghost", "ringing", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM active_calls").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	_, err = store.Transition(context.Background(), "ghost", StatusRinging, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCountActive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("client-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	global, err := store.CountActive(context.Background(), "")
	if err != nil {
		t.Fatalf("count global: %v", err)
	}
	if global != 7 {
		t.Fatalf("expected 7, got %d", global)
	}
	client, err := store.CountActive(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("count client: %v", err)
	}
	if client != 3 {
		t.Fatalf("expected 3, got %d", client)
	}
}

func TestStoreExpireStale(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectExec("UPDATE active_calls").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	expired, err := store.ExpireStale(context.Background(), ExpiryLimits{
		Processed: 5 * time.Minute,
		Ringing:   3 * time.Minute,
		Ongoing:   time.Hour,
	})
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 4 {
		t.Fatalf("expected 4 expired, got %d", expired)
	}
}

func TestStoreAttachTwilioSID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := NewStore(mock)

	mock.ExpectExec("UPDATE active_calls").
		WithArgs("uuid-1", "CA0123").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.AttachTwilioSID(context.Background(), "uuid-1", "CA0123"); err != nil {
		t.Fatalf("attach sid: %v", err)
	}

	// Empty SID is a silent no-op (Plivo calls never have one).
	if err := store.AttachTwilioSID(context.Background(), "uuid-1", ""); err != nil {
		t.Fatalf("empty sid should be no-op: %v", err)
	}
}

func TestSyntheticFailedUUID(t *testing.T) {
	one := SyntheticFailedUUID()
	two := SyntheticFailedUUID()
	if !strings.HasPrefix(one, "FAILED_") {
		t.Fatalf("expected FAILED_ prefix, got %s", one)
	}
	if one == two {
		t.Fatal("synthetic uuids must be unique")
	}
}
