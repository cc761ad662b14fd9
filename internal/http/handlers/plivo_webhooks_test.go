package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dialgrid/dialgrid/internal/ledger"
)

func seedCall(t *testing.T, store *ledger.MemoryStore, callUUID string, status ledger.Status) {
	t.Helper()
	if _, err := store.Insert(context.Background(), ledger.Call{
		CallUUID: callUUID,
		ClientID: "client-1",
		Provider: "plivo",
		Status:   status,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestPlivoRingMarksRinging(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedCall(t, store, "uuid-1", ledger.StatusProcessed)
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: store})

	rec := postForm(t, h.HandleRing, "/plivo/ring-url", url.Values{"CallUUID": {"uuid-1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	call, _ := store.FindByUUID(context.Background(), "uuid-1")
	if call.Status != ledger.StatusRinging {
		t.Fatalf("expected ringing, got %s", call.Status)
	}
}

func TestPlivoHangupRecordsDurationAndCause(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedCall(t, store, "uuid-1", ledger.StatusOngoing)
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: store})

	rec := postForm(t, h.HandleHangup, "/plivo/hangup-url", url.Values{
		"CallUUID":    {"uuid-1"},
		"Duration":    {"42"},
		"HangupCause": {"NORMAL_CLEARING"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	call, _ := store.FindByUUID(context.Background(), "uuid-1")
	if call.Status != ledger.StatusEnded || call.EndReason != "NORMAL_CLEARING" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.DurationSecs == nil || *call.DurationSecs != 42 {
		t.Fatalf("duration not recorded: %+v", call.DurationSecs)
	}
	if call.EndTime == nil {
		t.Fatal("terminal transition must set end time")
	}
}

func TestPlivoWebhookUnknownCallIgnored(t *testing.T) {
	store := ledger.NewMemoryStore()
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: store})

	rec := postForm(t, h.HandleRing, "/plivo/ring-url", url.Values{"CallUUID": {"ghost"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown calls must be acknowledged, got %d", rec.Code)
	}
	if _, err := store.FindByUUID(context.Background(), "ghost"); err == nil {
		t.Fatal("webhooks must never create ghost rows")
	}
}

func TestPlivoHangupAfterTerminalIsNoop(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedCall(t, store, "uuid-1", ledger.StatusOngoing)
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: store})

	postForm(t, h.HandleHangup, "/plivo/hangup-url", url.Values{
		"CallUUID": {"uuid-1"}, "HangupCause": {"NORMAL_CLEARING"},
	})
	before, _ := store.FindByUUID(context.Background(), "uuid-1")

	rec := postForm(t, h.HandleHangup, "/plivo/hangup-url", url.Values{
		"CallUUID": {"uuid-1"}, "HangupCause": {"LATE_DUPLICATE"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate terminal webhook must succeed, got %d", rec.Code)
	}
	after, _ := store.FindByUUID(context.Background(), "uuid-1")
	if after.EndReason != before.EndReason || !after.EndTime.Equal(*before.EndTime) {
		t.Fatalf("terminal row mutated: before=%+v after=%+v", before, after)
	}
}

func TestPlivoRingMissingUUIDRejected(t *testing.T) {
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: ledger.NewMemoryStore()})
	rec := postForm(t, h.HandleRing, "/plivo/ring-url", url.Values{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPlivoAnswerRendersStream(t *testing.T) {
	store := ledger.NewMemoryStore()
	seedCall(t, store, "uuid-1", ledger.StatusRinging)
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: store})

	target := "/ip/xml-plivo?wss=" + url.QueryEscape("wss://bot.example.com/stream") +
		"&clientId=client-1&name=Ada&CallUUID=uuid-1"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.HandleAnswer(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `<Stream bidirectional="true" keepCallAlive="true">`) {
		t.Fatalf("missing stream element: %s", body)
	}
	if !strings.Contains(body, "wss://bot.example.com/stream?") || !strings.Contains(body, "name=Ada") {
		t.Fatalf("contact fields not forwarded on stream url: %s", body)
	}
	call, _ := store.FindByUUID(context.Background(), "uuid-1")
	if call.Status != ledger.StatusOngoing {
		t.Fatalf("answer must mark the call ongoing, got %s", call.Status)
	}
}

func TestPlivoAnswerWithoutTargetHangsUp(t *testing.T) {
	h := NewPlivoWebhookHandler(PlivoWebhookConfig{Ledger: ledger.NewMemoryStore()})
	req := httptest.NewRequest(http.MethodGet, "/ip/xml-plivo", nil)
	rec := httptest.NewRecorder()
	h.HandleAnswer(rec, req)

	if !strings.Contains(rec.Body.String(), "<Hangup/>") {
		t.Fatalf("expected hangup document: %s", rec.Body.String())
	}
}
