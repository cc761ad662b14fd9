// Package plivo dials outbound calls through the Plivo voice REST API.
package plivo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

const defaultBaseURL = "https://api.plivo.com"

// Config controls how the Plivo client behaves.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client wraps the Plivo REST endpoints the dialer needs. Credentials are
// passed per request so one client serves every tenant.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
}

func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
	}
}

// CreateCallRequest is the JSON body for the call-create endpoint.
type CreateCallRequest struct {
	From         string `json:"from"`
	To           string `json:"to"`
	AnswerURL    string `json:"answer_url"`
	AnswerMethod string `json:"answer_method"`
	RingURL      string `json:"ring_url,omitempty"`
	HangupURL    string `json:"hangup_url,omitempty"`
}

// CreateCallResponse carries the provider-assigned request UUID, which becomes
// the ledger call UUID.
type CreateCallResponse struct {
	RequestUUID string `json:"request_uuid"`
	Message     string `json:"message"`
	APIID       string `json:"api_id"`
}

// CreateCall places one outbound call.
func (c *Client) CreateCall(ctx context.Context, authID, authToken string, req CreateCallRequest) (CreateCallResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return CreateCallResponse{}, fmt.Errorf("plivo: marshal call body: %w", err)
	}
	path := fmt.Sprintf("/v1/Account/%s/Call/", authID)
	data, err := c.invoke(ctx, http.MethodPost, path, authID, authToken, body)
	if err != nil {
		return CreateCallResponse{}, err
	}
	var resp CreateCallResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return CreateCallResponse{}, fmt.Errorf("plivo: decode call response: %w", err)
	}
	if resp.RequestUUID == "" {
		return CreateCallResponse{}, fmt.Errorf("plivo: call response missing request_uuid")
	}
	return resp, nil
}

// HangupCall tears down an in-flight call.
func (c *Client) HangupCall(ctx context.Context, authID, authToken, callUUID string) error {
	path := fmt.Sprintf("/v1/Account/%s/Call/%s/", authID, callUUID)
	_, err := c.invoke(ctx, http.MethodDelete, path, authID, authToken, nil)
	return err
}

func (c *Client) invoke(ctx context.Context, method, path, authID, authToken string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("plivo: build request: %w", err)
		}
		req.SetBasicAuth(authID, authToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("plivo: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("plivo: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("plivo: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("plivo retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

func decodeAPIError(status int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
	}
	apiErr := &provider.APIError{Provider: provider.Plivo, StatusCode: status, Body: string(body)}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Error
	}
	return apiErr
}
