package plivo

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// Adapter implements provider.Adapter over the REST client. The call UUID is
// whatever Plivo returns as request_uuid; there is no pre-reservation on this
// path because Plivo callbacks always follow the create-call response.
type Adapter struct {
	baseURL string
	client  *Client
	logger  *logging.Logger
}

// AdapterConfig wires the adapter. CallbackBaseURL is the public base every
// webhook URL is rooted at.
type AdapterConfig struct {
	CallbackBaseURL string
	Client          *Client
	Logger          *logging.Logger
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	client := cfg.Client
	if client == nil {
		client = New(Config{Logger: logger})
	}
	return &Adapter{
		baseURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

func (a *Adapter) Name() string { return provider.Plivo }

// ValidateConfig enforces the Plivo auth ID shape: 20 uppercase alphanumerics.
func (a *Adapter) ValidateConfig(creds provider.Credentials) error {
	id := strings.TrimSpace(creds.AccountID)
	if len(id) != 20 {
		return fmt.Errorf("plivo: auth id must be 20 characters, got %d", len(id))
	}
	for _, r := range id {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("plivo: auth id must be uppercase alphanumeric")
		}
	}
	if strings.TrimSpace(creds.AuthToken) == "" {
		return fmt.Errorf("plivo: auth token required")
	}
	return nil
}

// WebhookURLs builds the fixed callback endpoints. The answer URL carries the
// bot stream target and every contact field as flat query parameters.
func (a *Adapter) WebhookURLs(baseURL string, params provider.CallParams) provider.WebhookURLs {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = a.baseURL
	}
	q := url.Values{}
	q.Set("wss", params.WSSURL)
	q.Set("clientId", params.ClientID)
	if params.CampaignID != "" {
		q.Set("campId", params.CampaignID)
	}
	if params.ListID != "" {
		q.Set("listId", params.ListID)
	}
	q.Set("includeGlobalContext", strconv.FormatBool(params.IncludeGlobalContext))
	q.Set("includeAgentContext", strconv.FormatBool(params.IncludeAgentContext))
	for key, value := range params.ContactFields {
		q.Set(key, value)
	}
	return provider.WebhookURLs{
		Answer: base + "/ip/xml-plivo?" + q.Encode(),
		Ring:   base + "/plivo/ring-url",
		Hangup: base + "/plivo/hangup-url",
	}
}

func (a *Adapter) MakeCall(ctx context.Context, params provider.CallParams, creds provider.Credentials) (provider.CallResult, error) {
	if err := a.ValidateConfig(creds); err != nil {
		return provider.CallResult{}, err
	}
	urls := a.WebhookURLs(a.baseURL, params)
	resp, err := a.client.CreateCall(ctx, creds.AccountID, creds.AuthToken, CreateCallRequest{
		From:         params.From,
		To:           params.To,
		AnswerURL:    urls.Answer,
		AnswerMethod: "GET",
		RingURL:      urls.Ring,
		HangupURL:    urls.Hangup,
	})
	if err != nil {
		return provider.CallResult{}, err
	}
	a.logger.Info("plivo call created",
		"call_uuid", resp.RequestUUID,
		"client_id", params.ClientID,
		"to", params.To,
	)
	return provider.CallResult{
		CallUUID: resp.RequestUUID,
		Raw:      resp.Message,
	}, nil
}

// Cancel hangs up an in-flight call; callID is the Plivo request UUID.
func (a *Adapter) Cancel(ctx context.Context, creds provider.Credentials, callID string) error {
	return a.client.HangupCall(ctx, creds.AccountID, creds.AuthToken, callID)
}
