// Package warmup probes the speech bot before a call is placed so the bot has
// a session ready when the media stream opens.
package warmup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

// Result is the outcome of one warmup run; attempts and duration are recorded
// on the ledger row regardless of success.
type Result struct {
	Succeeded bool
	Skipped   bool
	Attempts  int
	Duration  time.Duration
	Err       error
}

// Config controls the warmup client.
type Config struct {
	Enabled bool
	// MaxAttempts bounds retries per call (default 3).
	MaxAttempts int
	// Timeout applies per attempt (default 10s).
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

type Client struct {
	enabled     bool
	maxAttempts int
	timeout     time.Duration
	httpClient  *http.Client
	logger      *logging.Logger
}

func New(cfg Config) *Client {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		enabled:     cfg.Enabled,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// Warmup probes the bot derived from wssURL. An underivable URL skips the
// probe and reports success: the bot may still be reachable, and warmup is
// best effort by design.
func (c *Client) Warmup(ctx context.Context, wssURL string) Result {
	if !c.enabled {
		return Result{Succeeded: true, Skipped: true}
	}
	probeURL, err := ProbeURL(wssURL)
	if err != nil {
		c.logger.Warn("warmup skipped, probe url underivable", "wss_url", wssURL, "error", err)
		return Result{Succeeded: true, Skipped: true}
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.probe(ctx, probeURL); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("warmup attempt failed",
				"probe_url", probeURL,
				"attempt", attempt,
				"error", err,
			)
			if attempt < c.maxAttempts {
				if sleepErr := sleep(ctx, time.Duration(attempt)*500*time.Millisecond); sleepErr != nil {
					break
				}
			}
			continue
		}
		return Result{Succeeded: true, Attempts: attempt, Duration: time.Since(start)}
	}
	return Result{
		Attempts: c.maxAttempts,
		Duration: time.Since(start),
		Err:      lastErr,
	}
}

func (c *Client) probe(ctx context.Context, probeURL string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("warmup: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("warmup: probe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("warmup: bot returned status %d", resp.StatusCode)
	}
	return nil
}

// ProbeURL derives the HTTP warmup endpoint from the bot's media-stream URL:
// wss://host[/path] becomes https://host/warmup (ws:// becomes http://).
func ProbeURL(wssURL string) (string, error) {
	wssURL = strings.TrimSpace(wssURL)
	if wssURL == "" {
		return "", fmt.Errorf("warmup: empty wss url")
	}
	u, err := url.Parse(wssURL)
	if err != nil {
		return "", fmt.Errorf("warmup: parse wss url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("warmup: wss url has no host")
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + u.Host + "/warmup", nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
