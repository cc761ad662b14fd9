package warmup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProbeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"wss://bot.example.com/stream", "https://bot.example.com/warmup"},
		{"wss://bot.example.com:8443/x/y", "https://bot.example.com:8443/warmup"},
		{"ws://localhost:9000/stream", "http://localhost:9000/warmup"},
	}
	for _, tc := range cases {
		got, err := ProbeURL(tc.in)
		if err != nil {
			t.Fatalf("ProbeURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ProbeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "   ", "://nohost", "just-a-path"} {
		if _, err := ProbeURL(bad); err == nil {
			t.Fatalf("ProbeURL(%q) should fail", bad)
		}
	}
}

func TestWarmupSuccess(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/warmup" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, MaxAttempts: 3, Timeout: time.Second})
	result := c.Warmup(context.Background(), "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/stream")
	if !result.Succeeded || result.Skipped {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Attempts != 1 || hits != 1 {
		t.Fatalf("expected single attempt, got attempts=%d hits=%d", result.Attempts, hits)
	}
}

func TestWarmupRetriesThenSucceeds(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, MaxAttempts: 3, Timeout: time.Second})
	result := c.Warmup(context.Background(), "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/stream")
	if !result.Succeeded {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if result.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestWarmupExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Enabled: true, MaxAttempts: 2, Timeout: time.Second})
	result := c.Warmup(context.Background(), "ws://"+strings.TrimPrefix(srv.URL, "http://")+"/stream")
	if result.Succeeded {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Attempts != 2 || result.Err == nil {
		t.Fatalf("expected 2 attempts with error, got %+v", result)
	}
}

func TestWarmupDisabledSkips(t *testing.T) {
	c := New(Config{Enabled: false})
	result := c.Warmup(context.Background(), "wss://bot.example.com/stream")
	if !result.Succeeded || !result.Skipped || result.Attempts != 0 {
		t.Fatalf("expected skip, got %+v", result)
	}
}

func TestWarmupUnderivableURLSkips(t *testing.T) {
	c := New(Config{Enabled: true})
	result := c.Warmup(context.Background(), "not a url at all")
	if !result.Succeeded || !result.Skipped {
		t.Fatalf("underivable url must skip as success, got %+v", result)
	}
}
