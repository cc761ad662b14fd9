// Package twilio dials outbound calls through the Twilio SDK.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	twiliosdk "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// Twilio's own status callback can arrive before CreateCall returns, so the
// pipeline reserves the call UUID and inserts the ledger row before handing
// params to this adapter. MakeCall requires that reserved UUID.

var accountSIDPattern = regexp.MustCompile(`^AC[0-9a-fA-F]{32}$`)

// statusCallbackEvents is the fixed event set requested from Twilio.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// callAPI is the slice of the Twilio SDK the adapter uses; tests inject a
// fake.
type callAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Adapter implements provider.Adapter over the Twilio REST SDK. A fresh SDK
// client is built per call so tenant credentials never outlive the request.
type Adapter struct {
	baseURL     string
	dialTimeout int
	logger      *logging.Logger
	newAPI      func(creds provider.Credentials) callAPI
}

type AdapterConfig struct {
	CallbackBaseURL string
	// DialTimeoutSecs is how long Twilio lets the callee ring.
	DialTimeoutSecs int
	Logger          *logging.Logger

	// NewAPI overrides SDK client construction in tests.
	NewAPI func(creds provider.Credentials) callAPI
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.DialTimeoutSecs
	if timeout <= 0 {
		timeout = 30
	}
	newAPI := cfg.NewAPI
	if newAPI == nil {
		newAPI = func(creds provider.Credentials) callAPI {
			sdk := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
				Username: creds.AccountID,
				Password: creds.AuthToken,
			})
			return sdk.Api
		}
	}
	return &Adapter{
		baseURL:     strings.TrimRight(cfg.CallbackBaseURL, "/"),
		dialTimeout: timeout,
		logger:      logger,
		newAPI:      newAPI,
	}
}

func (a *Adapter) Name() string { return provider.Twilio }

func (a *Adapter) ValidateConfig(creds provider.Credentials) error {
	if !accountSIDPattern.MatchString(strings.TrimSpace(creds.AccountID)) {
		return fmt.Errorf("twilio: account sid must match AC + 32 hex characters")
	}
	if strings.TrimSpace(creds.AuthToken) == "" {
		return fmt.Errorf("twilio: auth token required")
	}
	return nil
}

// WebhookURLs points the call at the TwiML renderer and the multiplexed
// status callback. The TwiML URL carries the reserved call UUID and the flat
// contact payload so the renderer can rebuild the media-stream parameters.
func (a *Adapter) WebhookURLs(baseURL string, params provider.CallParams) provider.WebhookURLs {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = a.baseURL
	}
	q := url.Values{}
	q.Set("callUUID", params.CallUUID)
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
	// The status callback carries the reserved UUID too: a callback can beat
	// the create-call response, in which case the SID alias does not exist
	// yet and the handler falls back to the UUID.
	return provider.WebhookURLs{
		Answer: base + "/twilio/twiml?" + q.Encode(),
		Status: base + "/twilio/status-callback?callUUID=" + url.QueryEscape(params.CallUUID),
	}
}

func (a *Adapter) MakeCall(ctx context.Context, params provider.CallParams, creds provider.Credentials) (provider.CallResult, error) {
	if err := a.ValidateConfig(creds); err != nil {
		return provider.CallResult{}, err
	}
	if strings.TrimSpace(params.CallUUID) == "" {
		return provider.CallResult{}, fmt.Errorf("twilio: call uuid must be reserved before dialing")
	}
	urls := a.WebhookURLs(a.baseURL, params)

	callParams := &openapi.CreateCallParams{}
	callParams.SetTo(params.To)
	callParams.SetFrom(params.From)
	callParams.SetUrl(urls.Answer)
	callParams.SetMethod("POST")
	callParams.SetStatusCallback(urls.Status)
	callParams.SetStatusCallbackMethod("POST")
	callParams.SetStatusCallbackEvent(statusCallbackEvents)
	callParams.SetTimeout(a.dialTimeout)

	api := a.newAPI(creds)
	call, err := api.CreateCall(callParams)
	if err != nil {
		if ctx.Err() != nil {
			return provider.CallResult{}, ctx.Err()
		}
		return provider.CallResult{}, translateSDKError(err)
	}
	sid := ""
	if call.Sid != nil {
		sid = *call.Sid
	}
	raw := ""
	if call.Status != nil {
		raw = *call.Status
	}
	a.logger.Info("twilio call created",
		"call_uuid", params.CallUUID,
		"twilio_call_sid", sid,
		"client_id", params.ClientID,
		"to", params.To,
	)
	return provider.CallResult{
		CallUUID:    params.CallUUID,
		ProviderSID: sid,
		Raw:         raw,
	}, nil
}

// Cancel asks Twilio to complete an in-flight call; callID is the CallSid.
func (a *Adapter) Cancel(_ context.Context, creds provider.Credentials, callID string) error {
	update := &openapi.UpdateCallParams{}
	update.SetStatus("completed")
	api := a.newAPI(creds)
	if _, err := api.UpdateCall(callID, update); err != nil {
		return translateSDKError(err)
	}
	return nil
}

// translateSDKError maps the SDK's typed REST error onto the common APIError
// so the pipeline can distinguish api_call_failed from api_exception.
func translateSDKError(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return &provider.APIError{
			Provider:   provider.Twilio,
			StatusCode: restErr.Status,
			Code:       strconv.Itoa(restErr.Code),
			Body:       restErr.Message,
		}
	}
	return fmt.Errorf("twilio: create call: %w", err)
}

// MapStatus translates Twilio's call-status vocabulary to the ledger's.
// Unknown statuses map to the empty string and are ignored by callers.
func MapStatus(twilioStatus string) string {
	switch strings.ToLower(strings.TrimSpace(twilioStatus)) {
	case "queued", "initiated":
		return "processed"
	case "ringing":
		return "ringing"
	case "in-progress", "answered":
		return "ongoing"
	case "completed":
		return "call-ended"
	case "busy", "failed", "no-answer", "canceled":
		return "failed"
	}
	return ""
}
