package plivo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/provider"
)

const testAuthID = "MAXXXXXXXXXXXXXXXXXX"

func testCreds() provider.Credentials {
	return provider.Credentials{AccountID: testAuthID, AuthToken: "secret"}
}

func TestValidateConfig(t *testing.T) {
	a := NewAdapter(AdapterConfig{CallbackBaseURL: "https://calls.example.com"})
	if err := a.ValidateConfig(testCreds()); err != nil {
		t.Fatalf("expected valid creds: %v", err)
	}
	bad := []provider.Credentials{
		{AccountID: "short", AuthToken: "x"},
		{AccountID: "maxxxxxxxxxxxxxxxxxx", AuthToken: "x"},
		{AccountID: testAuthID, AuthToken: ""},
	}
	for _, creds := range bad {
		if err := a.ValidateConfig(creds); err == nil {
			t.Fatalf("expected rejection for %q", creds.AccountID)
		}
	}
}

func TestMakeCall(t *testing.T) {
	var gotPath, gotAuthID string
	var gotBody CreateCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuthID, _, _ = r.BasicAuth()
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"request_uuid": "req-uuid-1",
			"message":      "call fired",
		})
	}))
	defer srv.Close()

	a := NewAdapter(AdapterConfig{
		CallbackBaseURL: "https://calls.example.com",
		Client:          New(Config{BaseURL: srv.URL}),
	})
	result, err := a.MakeCall(context.Background(), provider.CallParams{
		ClientID:      "client-1",
		CampaignID:    "camp-1",
		ListID:        "list-1",
		From:          "+15550001111",
		To:            "+15552223333",
		WSSURL:        "wss://bot.example.com/stream",
		ContactFields: map[string]string{"name": "Ada", "account": "42"},
	}, testCreds())
	if err != nil {
		t.Fatalf("make call: %v", err)
	}
	if result.CallUUID != "req-uuid-1" {
		t.Fatalf("expected provider uuid, got %s", result.CallUUID)
	}
	if gotPath != "/v1/Account/"+testAuthID+"/Call/" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuthID != testAuthID {
		t.Fatalf("expected basic auth id, got %s", gotAuthID)
	}
	if gotBody.RingURL != "https://calls.example.com/plivo/ring-url" {
		t.Fatalf("unexpected ring url %s", gotBody.RingURL)
	}
	if gotBody.HangupURL != "https://calls.example.com/plivo/hangup-url" {
		t.Fatalf("unexpected hangup url %s", gotBody.HangupURL)
	}
	answer, err := url.Parse(gotBody.AnswerURL)
	if err != nil {
		t.Fatalf("parse answer url: %v", err)
	}
	if answer.Path != "/ip/xml-plivo" {
		t.Fatalf("unexpected answer path %s", answer.Path)
	}
	q := answer.Query()
	if q.Get("wss") != "wss://bot.example.com/stream" {
		t.Fatalf("answer url missing wss: %s", gotBody.AnswerURL)
	}
	if q.Get("clientId") != "client-1" || q.Get("campId") != "camp-1" || q.Get("listId") != "list-1" {
		t.Fatalf("answer url missing routing params: %s", gotBody.AnswerURL)
	}
	if q.Get("name") != "Ada" || q.Get("account") != "42" {
		t.Fatalf("answer url must carry contact fields flat: %s", gotBody.AnswerURL)
	}
}

func TestMakeCallAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid destination"}`))
	}))
	defer srv.Close()

	a := NewAdapter(AdapterConfig{
		CallbackBaseURL: "https://calls.example.com",
		Client:          New(Config{BaseURL: srv.URL}),
	})
	_, err := a.MakeCall(context.Background(), provider.CallParams{
		ClientID: "client-1",
		From:     "+15550001111",
		To:       "+15552223333",
	}, testCreds())
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "invalid destination" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestMakeCallTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	a := NewAdapter(AdapterConfig{
		CallbackBaseURL: "https://calls.example.com",
		Client:          New(Config{BaseURL: srv.URL, Timeout: time.Second}),
	})
	_, err := a.MakeCall(context.Background(), provider.CallParams{
		ClientID: "client-1",
		From:     "+15550001111",
		To:       "+15552223333",
	}, testCreds())
	if err == nil {
		t.Fatal("expected transport error")
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		t.Fatal("transport failure must not be an APIError")
	}
}

func TestClientRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"request_uuid": "req-2"})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, MaxRetries: 2, Backoff: time.Millisecond})
	resp, err := client.CreateCall(context.Background(), testAuthID, "secret", CreateCallRequest{
		From: "+15550001111", To: "+15552223333", AnswerURL: "https://x/answer", AnswerMethod: "GET",
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if resp.RequestUUID != "req-2" || attempts != 2 {
		t.Fatalf("expected retry then success, attempts=%d resp=%+v", attempts, resp)
	}
}

func TestHangupCall(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	if err := client.HangupCall(context.Background(), testAuthID, "secret", "uuid-9"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if gotMethod != http.MethodDelete || !strings.HasSuffix(gotPath, "/Call/uuid-9/") {
		t.Fatalf("unexpected hangup request %s %s", gotMethod, gotPath)
	}
}
