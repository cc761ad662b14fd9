package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/dialgrid/dialgrid/internal/dispatch"
	"github.com/dialgrid/dialgrid/internal/gate"
	"github.com/dialgrid/dialgrid/internal/ledger"
)

type stubDispatcher struct {
	lastReq dispatch.Request
	call    ledger.Call
	err     error
}

func (s *stubDispatcher) Dispatch(_ context.Context, req dispatch.Request) (ledger.Call, error) {
	s.lastReq = req
	return s.call, s.err
}

func TestHandleDispatchSuccess(t *testing.T) {
	d := &stubDispatcher{call: ledger.Call{CallUUID: "uuid-1", Provider: "plivo", Status: ledger.StatusProcessed}}
	h := NewCallsHandler(CallsConfig{Dispatcher: d, Ledger: ledger.NewMemoryStore()})

	body := `{"clientId":"client-1","from":"+15550001111","to":"+15550002222","wssUrl":"wss://bot.example.com/s"}`
	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleDispatch(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if d.lastReq.Origin != dispatch.OriginAPI {
		t.Fatalf("api calls must use the api origin, got %s", d.lastReq.Origin)
	}
	if !strings.Contains(rec.Body.String(), `"callUUID":"uuid-1"`) {
		t.Fatalf("response missing call uuid: %s", rec.Body.String())
	}
}

func TestHandleDispatchRejectsBadBody(t *testing.T) {
	h := NewCallsHandler(CallsConfig{Dispatcher: &stubDispatcher{}, Ledger: ledger.NewMemoryStore()})

	for _, body := range []string{"not json", `{"clientId":"c"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.HandleDispatch(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandleDispatchGateBusy(t *testing.T) {
	d := &stubDispatcher{err: &dispatch.Error{Stage: dispatch.StageGate, Err: gate.ErrWaitTimeout}}
	h := NewCallsHandler(CallsConfig{Dispatcher: d, Ledger: ledger.NewMemoryStore()})

	body := `{"clientId":"client-1","from":"+15550001111","to":"+15550002222"}`
	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleDispatch(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestHandleDispatchWarmupFailure(t *testing.T) {
	d := &stubDispatcher{err: &dispatch.Error{Stage: dispatch.StageWarmup, CallUUID: "FAILED_1_abc"}}
	h := NewCallsHandler(CallsConfig{Dispatcher: d, Ledger: ledger.NewMemoryStore()})

	body := `{"clientId":"client-1","from":"+15550001111","to":"+15550002222"}`
	req := httptest.NewRequest(http.MethodPost, "/api/calls", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleDispatch(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "FAILED_1_abc") {
		t.Fatalf("failed row uuid must be reported: %s", rec.Body.String())
	}
}

func TestHandleActiveCalls(t *testing.T) {
	store := ledger.NewMemoryStore()
	for _, uuid := range []string{"a", "b"} {
		if _, err := store.Insert(context.Background(), ledger.Call{
			CallUUID: uuid, ClientID: "client-1", Status: ledger.StatusOngoing,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := store.Insert(context.Background(), ledger.Call{
		CallUUID: "other", ClientID: "client-2", Status: ledger.StatusOngoing,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	h := NewCallsHandler(CallsConfig{Dispatcher: &stubDispatcher{}, Ledger: store})

	r := chi.NewRouter()
	r.Get("/api/clients/{clientID}/active-calls", h.HandleActiveCalls)
	req := httptest.NewRequest(http.MethodGet, "/api/clients/client-1/active-calls", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Fatalf("expected 2 active calls: %s", rec.Body.String())
	}
}
