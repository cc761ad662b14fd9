package handlers

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// PlivoWebhookHandler receives Plivo's ring, answer, and hangup callbacks and
// applies the corresponding ledger transitions. Unknown call UUIDs are logged
// and ignored; a webhook must never create a ghost row.
type PlivoWebhookHandler struct {
	ledger  ledger.Ledger
	events  events.Publisher
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger
}

type PlivoWebhookConfig struct {
	Ledger  ledger.Ledger
	Events  events.Publisher
	Metrics *metrics.DispatchMetrics
	Logger  *logging.Logger
}

func NewPlivoWebhookHandler(cfg PlivoWebhookConfig) *PlivoWebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &PlivoWebhookHandler{
		ledger:  cfg.Ledger,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  logger.Component("plivo-webhooks"),
	}
}

// HandleRing handles POST /plivo/ring-url.
func (h *PlivoWebhookHandler) HandleRing(w http.ResponseWriter, r *http.Request) {
	h.metrics.ObserveWebhook(provider.Plivo, "ring")
	callUUID := formValue(r, "CallUUID")
	if callUUID == "" {
		jsonError(w, http.StatusBadRequest, "CallUUID required")
		return
	}
	h.transition(w, r, callUUID, ledger.StatusRinging, nil, events.TypeCallRinging)
}

// HandleHangup handles POST /plivo/hangup-url. Plivo reports the terminal
// cause and duration on this callback.
func (h *PlivoWebhookHandler) HandleHangup(w http.ResponseWriter, r *http.Request) {
	h.metrics.ObserveWebhook(provider.Plivo, "hangup")
	callUUID := formValue(r, "CallUUID")
	if callUUID == "" {
		jsonError(w, http.StatusBadRequest, "CallUUID required")
		return
	}
	info := &ledger.TerminalInfo{EndReason: formValue(r, "HangupCause")}
	if duration := formValue(r, "Duration"); duration != "" {
		if secs, err := strconv.Atoi(duration); err == nil {
			info.DurationSecs = &secs
		}
	}
	h.transition(w, r, callUUID, ledger.StatusEnded, info, events.TypeCallEnded)
}

// HandleAnswer handles GET|POST /ip/xml-plivo: it marks the call ongoing and
// returns the stream XML pointing the call's audio at the bot. A request with
// no usable wss target hangs the call up rather than leaving dead air.
func (h *PlivoWebhookHandler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	h.metrics.ObserveWebhook(provider.Plivo, "answer")
	query := r.URL.Query()
	wss := strings.TrimSpace(query.Get("wss"))
	if u, err := url.Parse(wss); err != nil || wss == "" || u.Host == "" {
		h.logger.Warn("answer webhook with unusable stream target", "wss", wss)
		writeXML(w, hangupXML())
		return
	}

	if callUUID := formValue(r, "CallUUID"); callUUID != "" {
		applied, err := h.ledger.Transition(r.Context(), callUUID, ledger.StatusOngoing, nil)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			h.logger.Error("answer transition failed", "call_uuid", callUUID, "error", err)
		}
		if applied {
			h.publish(r, callUUID, events.TypeCallAnswered, string(ledger.StatusOngoing))
		}
	}

	writeXML(w, streamXML(wss, query))
}

func (h *PlivoWebhookHandler) transition(w http.ResponseWriter, r *http.Request, callUUID string, status ledger.Status, info *ledger.TerminalInfo, eventType string) {
	applied, err := h.ledger.Transition(r.Context(), callUUID, status, info)
	if errors.Is(err, ledger.ErrNotFound) {
		h.logger.Warn("webhook for unknown call", "call_uuid", callUUID, "status", string(status))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.logger.Error("webhook transition failed", "call_uuid", callUUID, "error", err)
		jsonError(w, http.StatusInternalServerError, "transition failed")
		return
	}
	if applied {
		h.publish(r, callUUID, eventType, string(status))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *PlivoWebhookHandler) publish(r *http.Request, callUUID, eventType, status string) {
	if h.events == nil {
		return
	}
	call, err := h.ledger.FindByUUID(r.Context(), callUUID)
	if err != nil {
		call = ledger.Call{CallUUID: callUUID}
	}
	h.events.Publish(events.Event{
		Type:       eventType,
		ClientID:   call.ClientID,
		CampaignID: call.CampaignID,
		CallUUID:   callUUID,
		Provider:   provider.Plivo,
		Status:     status,
	})
}

// streamXML renders the Plivo answer document. Everything except the wss
// target is forwarded to the bot as query parameters on the stream URL.
func streamXML(wss string, query url.Values) string {
	forward := url.Values{}
	for key, values := range query {
		if key == "wss" || len(values) == 0 {
			continue
		}
		forward.Set(key, values[0])
	}
	target := wss
	if encoded := forward.Encode(); encoded != "" {
		if strings.Contains(target, "?") {
			target += "&" + encoded
		} else {
			target += "?" + encoded
		}
	}
	var escaped strings.Builder
	xml.EscapeText(&escaped, []byte(target))
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<Response><Stream bidirectional="true" keepCallAlive="true">` +
		escaped.String() +
		`</Stream></Response>`
}

func hangupXML() string {
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// formValue reads a parameter from the form body or the query string; Plivo
// posts form-encoded bodies but answer callbacks arrive as GET.
func formValue(r *http.Request, key string) string {
	if err := r.ParseForm(); err != nil {
		return strings.TrimSpace(r.URL.Query().Get(key))
	}
	return strings.TrimSpace(r.Form.Get(key))
}
