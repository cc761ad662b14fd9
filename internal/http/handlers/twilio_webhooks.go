package handlers

import (
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/internal/provider"
	twilioprov "github.com/dialgrid/dialgrid/internal/provider/twilio"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// TwilioWebhookHandler serves the single status callback that multiplexes all
// Twilio call events, and the TwiML endpoint Twilio fetches when a call
// connects.
type TwilioWebhookHandler struct {
	ledger  ledger.Ledger
	events  events.Publisher
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger
	// authToken enables signature validation when set. The token must match
	// the account the callback was registered with, so multi-account
	// deployments leave this empty.
	authToken string
	// callbackBaseURL reconstructs the public URL Twilio signed.
	callbackBaseURL string
}

type TwilioWebhookConfig struct {
	Ledger          ledger.Ledger
	Events          events.Publisher
	Metrics         *metrics.DispatchMetrics
	Logger          *logging.Logger
	AuthToken       string
	CallbackBaseURL string
}

func NewTwilioWebhookHandler(cfg TwilioWebhookConfig) *TwilioWebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioWebhookHandler{
		ledger:          cfg.Ledger,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		logger:          logger.Component("twilio-webhooks"),
		authToken:       cfg.AuthToken,
		callbackBaseURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
	}
}

// HandleStatusCallback handles POST /twilio/status-callback. The row is found
// through the SID alias written after dial, or directly when the callback
// raced the create-call response and carries our pre-reserved UUID.
func (h *TwilioWebhookHandler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && !twilioprov.ValidateSignature(r, h.authToken, h.callbackBaseURL+r.URL.RequestURI()) {
		h.logger.Warn("rejected status callback with bad signature", "remote_ip", r.RemoteAddr)
		jsonError(w, http.StatusForbidden, "invalid signature")
		return
	}

	callStatus := formValue(r, "CallStatus")
	h.metrics.ObserveWebhook(provider.Twilio, strings.ToLower(callStatus))

	status := ledger.Status(twilioprov.MapStatus(callStatus))
	if status == "" {
		h.logger.Warn("unmapped twilio call status", "call_status", callStatus)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	call, err := h.resolve(r)
	if errors.Is(err, ledger.ErrNotFound) {
		h.logger.Warn("status callback for unknown call",
			"call_sid", formValue(r, "CallSid"), "call_status", callStatus)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.logger.Error("status callback lookup failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	// Dispatch always pre-reserves the row; enrich the SID here in case the
	// callback beat the create-call response.
	if call.TwilioCallSID == "" {
		if sid := formValue(r, "CallSid"); sid != "" {
			if err := h.ledger.AttachTwilioSID(r.Context(), call.CallUUID, sid); err != nil {
				h.logger.Warn("sid enrichment failed", "call_uuid", call.CallUUID, "error", err)
			}
		}
	}

	var info *ledger.TerminalInfo
	if status.Terminal() {
		info = &ledger.TerminalInfo{EndReason: strings.ToLower(callStatus)}
		if status == ledger.StatusFailed {
			// busy, failed, no-answer, canceled: the provider code is the
			// failure reason.
			info.FailureReason = ledger.FailureReason(info.EndReason)
		}
		if duration := formValue(r, "CallDuration"); duration != "" {
			if secs, err := strconv.Atoi(duration); err == nil {
				info.DurationSecs = &secs
			}
		}
	}

	applied, err := h.ledger.Transition(r.Context(), call.CallUUID, status, info)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		h.logger.Error("status callback transition failed", "call_uuid", call.CallUUID, "error", err)
		jsonError(w, http.StatusInternalServerError, "transition failed")
		return
	}
	if applied && h.events != nil {
		h.events.Publish(events.Event{
			Type:       eventTypeFor(status),
			ClientID:   call.ClientID,
			CampaignID: call.CampaignID,
			CallUUID:   call.CallUUID,
			Provider:   provider.Twilio,
			Status:     string(status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleTwiML handles POST /twilio/twiml: the connect document that bridges
// the call audio to the bot, carrying the call identity as stream parameters.
func (h *TwilioWebhookHandler) HandleTwiML(w http.ResponseWriter, r *http.Request) {
	h.metrics.ObserveWebhook(provider.Twilio, "twiml")
	query := r.URL.Query()
	wss := strings.TrimSpace(query.Get("wss"))
	callUUID := strings.TrimSpace(query.Get("callUUID"))
	if wss == "" || callUUID == "" {
		h.logger.Warn("twiml request missing stream target or call uuid",
			"wss", wss, "call_uuid", callUUID)
		writeXML(w, hangupXML())
		return
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="`)
	xml.EscapeText(&b, []byte(wss))
	b.WriteString(`">`)
	writeParameter(&b, "callUUID", callUUID)
	for key, values := range query {
		if key == "wss" || key == "callUUID" || len(values) == 0 {
			continue
		}
		writeParameter(&b, key, values[0])
	}
	b.WriteString(`</Stream></Connect></Response>`)
	writeXML(w, b.String())
}

// resolve finds the ledger row for a status callback, preferring the SID
// alias and falling back to a callUUID query parameter.
func (h *TwilioWebhookHandler) resolve(r *http.Request) (ledger.Call, error) {
	if sid := formValue(r, "CallSid"); sid != "" {
		call, err := h.ledger.FindByTwilioSID(r.Context(), sid)
		if err == nil {
			return call, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return ledger.Call{}, err
		}
	}
	if callUUID := strings.TrimSpace(r.URL.Query().Get("callUUID")); callUUID != "" {
		return h.ledger.FindByUUID(r.Context(), callUUID)
	}
	return ledger.Call{}, ledger.ErrNotFound
}

func writeParameter(b *strings.Builder, name, value string) {
	b.WriteString(`<Parameter name="`)
	xml.EscapeText(b, []byte(name))
	b.WriteString(`" value="`)
	xml.EscapeText(b, []byte(value))
	b.WriteString(`"/>`)
}

func eventTypeFor(status ledger.Status) string {
	switch status {
	case ledger.StatusRinging:
		return events.TypeCallRinging
	case ledger.StatusOngoing:
		return events.TypeCallAnswered
	case ledger.StatusEnded:
		return events.TypeCallEnded
	case ledger.StatusFailed, ledger.StatusTimeout:
		return events.TypeCallFailed
	}
	return events.TypeCallDispatched
}
