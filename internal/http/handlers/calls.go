package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialgrid/dialgrid/internal/dispatch"
	"github.com/dialgrid/dialgrid/internal/gate"
	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/routing"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// CallsHandler serves ad-hoc call dispatch and per-client active-call reads.
type CallsHandler struct {
	dispatcher Dispatcher
	ledger     ledger.Ledger
	logger     *logging.Logger
}

// Dispatcher is the pipeline surface the handler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (ledger.Call, error)
}

type CallsConfig struct {
	Dispatcher Dispatcher
	Ledger     ledger.Ledger
	Logger     *logging.Logger
}

func NewCallsHandler(cfg CallsConfig) *CallsHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &CallsHandler{
		dispatcher: cfg.Dispatcher,
		ledger:     cfg.Ledger,
		logger:     logger.Component("calls-api"),
	}
}

type dispatchRequest struct {
	ClientID             string            `json:"clientId"`
	From                 string            `json:"from"`
	To                   string            `json:"to"`
	WSSURL               string            `json:"wssUrl"`
	Provider             string            `json:"provider,omitempty"`
	ContactFields        map[string]string `json:"contactFields,omitempty"`
	IncludeGlobalContext bool              `json:"includeGlobalContext"`
	IncludeAgentContext  bool              `json:"includeAgentContext"`
}

type dispatchResponse struct {
	CallUUID string `json:"callUUID"`
	Provider string `json:"provider"`
	Status   string `json:"status"`
}

// HandleDispatch handles POST /api/calls. Ad-hoc calls get a single-shot gate
// check: a busy tenant is told to retry rather than queued for half an hour.
func (h *CallsHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ClientID == "" || body.To == "" || body.From == "" {
		jsonError(w, http.StatusBadRequest, "clientId, from, and to are required")
		return
	}

	contactData := make(map[string]any, len(body.ContactFields))
	for key, value := range body.ContactFields {
		contactData[key] = value
	}

	call, err := h.dispatcher.Dispatch(r.Context(), dispatch.Request{
		ClientID:             body.ClientID,
		From:                 body.From,
		To:                   body.To,
		WSSURL:               body.WSSURL,
		ProviderOverride:     body.Provider,
		ContactFields:        body.ContactFields,
		ContactData:          contactData,
		IncludeGlobalContext: body.IncludeGlobalContext,
		IncludeAgentContext:  body.IncludeAgentContext,
		Origin:               dispatch.OriginAPI,
	})
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispatchResponse{
		CallUUID: call.CallUUID,
		Provider: call.Provider,
		Status:   string(call.Status),
	})
}

func (h *CallsHandler) respondDispatchError(w http.ResponseWriter, err error) {
	var derr *dispatch.Error
	if !errors.As(err, &derr) {
		h.logger.Error("dispatch failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	switch {
	case derr.Stage == dispatch.StageGate && errors.Is(derr.Err, gate.ErrWaitTimeout):
		jsonError(w, http.StatusTooManyRequests, "concurrency limit reached, retry later")
	case derr.Stage == dispatch.StageValidate && errors.Is(derr.Err, routing.ErrUnknownProvider):
		jsonError(w, http.StatusBadRequest, "unknown provider")
	case derr.Stage == dispatch.StageValidate:
		jsonError(w, http.StatusBadRequest, derr.Err.Error())
	case derr.Stage == dispatch.StageWarmup:
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":    "bot not ready",
			"callUUID": derr.CallUUID,
		})
	default:
		h.logger.Error("dispatch failed", "stage", string(derr.Stage), "error", derr.Err)
		payload := map[string]string{"error": "call could not be placed"}
		if derr.CallUUID != "" {
			payload["callUUID"] = derr.CallUUID
		}
		writeJSON(w, http.StatusBadGateway, payload)
	}
}

type activeCallView struct {
	CallUUID   string     `json:"callUUID"`
	CampaignID string     `json:"campaignId,omitempty"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Provider   string     `json:"provider"`
	Status     string     `json:"status"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// HandleActiveCalls handles GET /api/clients/{clientID}/active-calls.
func (h *CallsHandler) HandleActiveCalls(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		jsonError(w, http.StatusBadRequest, "client id required")
		return
	}
	calls, err := h.ledger.ActiveForClient(r.Context(), clientID, 100)
	if err != nil {
		h.logger.Error("active call read failed", "client_id", clientID, "error", err)
		jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	views := make([]activeCallView, 0, len(calls))
	for _, call := range calls {
		views = append(views, activeCallView{
			CallUUID:   call.CallUUID,
			CampaignID: call.CampaignID,
			From:       call.FromNumber,
			To:         call.ToNumber,
			Provider:   call.Provider,
			Status:     string(call.Status),
			StartTime:  call.StartTime,
			EndTime:    call.EndTime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clientId": clientID,
		"count":    len(views),
		"calls":    views,
	})
}
