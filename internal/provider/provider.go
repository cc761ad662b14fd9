// Package provider defines the contract every telephony adapter implements.
// Adapters are stateless; tenant credentials arrive with each call.
package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	Plivo  = "plivo"
	Twilio = "twilio"
)

// Known reports whether name is a supported provider.
func Known(name string) bool {
	switch name {
	case Plivo, Twilio:
		return true
	}
	return false
}

// CallParams carries everything an adapter needs to place one call. The
// contact fields are forwarded flat to the answer webhook so the bot sees
// every custom column from the contact list.
type CallParams struct {
	// CallUUID is set only on the Twilio path, where the identifier is
	// reserved before the provider request is made.
	CallUUID string

	ClientID   string
	CampaignID string
	ListID     string
	From       string
	To         string
	WSSURL     string

	ContactFields map[string]string

	IncludeGlobalContext bool
	IncludeAgentContext  bool
}

// Validate checks the fields the pipeline requires before dialing.
func (p CallParams) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" {
		return fmt.Errorf("provider: client id required")
	}
	if !plausibleNumber(p.From) {
		return fmt.Errorf("provider: invalid from number %q", p.From)
	}
	if !plausibleNumber(p.To) {
		return fmt.Errorf("provider: invalid to number %q", p.To)
	}
	if wss := strings.TrimSpace(p.WSSURL); wss != "" {
		u, err := url.Parse(wss)
		if err != nil || u.Host == "" {
			return fmt.Errorf("provider: invalid wss url %q", p.WSSURL)
		}
	}
	return nil
}

func plausibleNumber(number string) bool {
	number = strings.TrimSpace(number)
	if number == "" {
		return false
	}
	digits := 0
	for i, r := range number {
		switch {
		case r == '+' && i == 0:
		case r >= '0' && r <= '9':
			digits++
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

// Credentials identify one provider account. ValidatedNumbers, when present,
// restricts which from-numbers the account may send on.
type Credentials struct {
	AccountID        string
	AuthToken        string
	ValidatedNumbers []string
}

// Owns reports whether the credentials may dial out from the given number.
// An empty validated list means no restriction.
func (c Credentials) Owns(fromNumber string) bool {
	if len(c.ValidatedNumbers) == 0 {
		return true
	}
	for _, n := range c.ValidatedNumbers {
		if n == fromNumber {
			return true
		}
	}
	return false
}

// WebhookURLs are the callback endpoints handed to the provider for one call.
type WebhookURLs struct {
	Answer string
	Ring   string
	Hangup string
	Status string
}

// CallResult is the successful outcome of MakeCall.
type CallResult struct {
	CallUUID    string
	ProviderSID string
	Raw         string
}

// Adapter is the per-provider dial-out implementation.
type Adapter interface {
	Name() string
	MakeCall(ctx context.Context, params CallParams, creds Credentials) (CallResult, error)
	ValidateConfig(creds Credentials) error
	WebhookURLs(baseURL string, params CallParams) WebhookURLs
}

// Canceler is implemented by adapters that can tear down an in-flight call.
type Canceler interface {
	Cancel(ctx context.Context, creds Credentials, callID string) error
}

// APIError is a provider-declined request: the HTTP round trip completed but
// the provider rejected it. Transport failures stay plain errors.
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: api error %s (status=%d)", e.Provider, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: api error status=%d", e.Provider, e.StatusCode)
}
