package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dialgrid/dialgrid/internal/campaign"
	"github.com/dialgrid/dialgrid/internal/contacts"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/queue"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// CampaignsHandler serves campaign creation, pause/resume, and status reads.
// Starting and resuming publish a queue command; the campaign workers do the
// actual dialing.
type CampaignsHandler struct {
	store    campaign.Store
	contacts contacts.Source
	queue    queue.Queue
	events   events.Publisher
	logger   *logging.Logger
}

type CampaignsConfig struct {
	Store    campaign.Store
	Contacts contacts.Source
	Queue    queue.Queue
	Events   events.Publisher
	Logger   *logging.Logger
}

func NewCampaignsHandler(cfg CampaignsConfig) *CampaignsHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &CampaignsHandler{
		store:    cfg.Store,
		contacts: cfg.Contacts,
		queue:    cfg.Queue,
		events:   cfg.Events,
		logger:   logger.Component("campaigns-api"),
	}
}

type createCampaignRequest struct {
	ClientID             string `json:"clientId"`
	ListID               string `json:"listId"`
	FromNumber           string `json:"fromNumber"`
	WSSURL               string `json:"wssUrl"`
	Provider             string `json:"provider,omitempty"`
	IncludeGlobalContext bool   `json:"includeGlobalContext"`
	IncludeAgentContext  bool   `json:"includeAgentContext"`
}

// HandleCreate handles POST /api/campaigns: create as running and hand it to
// the workers.
func (h *CampaignsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ClientID == "" || body.ListID == "" || body.FromNumber == "" || body.WSSURL == "" {
		jsonError(w, http.StatusBadRequest, "clientId, listId, fromNumber, and wssUrl are required")
		return
	}

	total, err := h.contacts.Count(r.Context(), body.ListID)
	if err != nil {
		if errors.Is(err, contacts.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "contact list not found")
			return
		}
		h.logger.Error("contact count failed", "list_id", body.ListID, "error", err)
		jsonError(w, http.StatusInternalServerError, "contact list unreadable")
		return
	}
	if total == 0 {
		jsonError(w, http.StatusBadRequest, "contact list is empty")
		return
	}

	c, err := h.store.Create(r.Context(), campaign.Campaign{
		ClientID:             body.ClientID,
		ListID:               body.ListID,
		FromNumber:           body.FromNumber,
		WSSURL:               body.WSSURL,
		ProviderOverride:     body.Provider,
		Status:               campaign.StatusRunning,
		TotalContacts:        total,
		IncludeGlobalContext: body.IncludeGlobalContext,
		IncludeAgentContext:  body.IncludeAgentContext,
	})
	if err != nil {
		h.logger.Error("campaign create failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "campaign create failed")
		return
	}

	if err := h.queue.PublishStart(r.Context(), queue.StartCommand{
		CampaignID: c.ID,
		ClientID:   c.ClientID,
	}); err != nil {
		// The campaign exists and is running; the claimable scan will pick it
		// up even though the command was lost.
		h.logger.Error("start command publish failed", "campaign_id", c.ID, "error", err)
	}
	h.publish(c)
	writeJSON(w, http.StatusCreated, campaignView(c))
}

// HandleGet handles GET /api/campaigns/{campaignID}.
func (h *CampaignsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, campaignView(c))
}

// HandlePause handles POST /api/campaigns/{campaignID}/pause. The worker
// observes the status between contacts and exits.
func (h *CampaignsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	if c.Status != campaign.StatusRunning {
		jsonError(w, http.StatusConflict, "only running campaigns can be paused")
		return
	}
	if err := h.store.SetStatus(r.Context(), c.ID, campaign.StatusPaused); err != nil {
		h.logger.Error("pause failed", "campaign_id", c.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "pause failed")
		return
	}
	c.Status = campaign.StatusPaused
	h.publish(c)
	writeJSON(w, http.StatusOK, campaignView(c))
}

// HandleResume handles POST /api/campaigns/{campaignID}/resume: flip back to
// running and publish a fresh start command. The cursor is untouched, so the
// worker continues where the pause left off.
func (h *CampaignsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	c, ok := h.load(w, r)
	if !ok {
		return
	}
	if c.Status != campaign.StatusPaused {
		jsonError(w, http.StatusConflict, "only paused campaigns can be resumed")
		return
	}
	if err := h.store.SetStatus(r.Context(), c.ID, campaign.StatusRunning); err != nil {
		h.logger.Error("resume failed", "campaign_id", c.ID, "error", err)
		jsonError(w, http.StatusInternalServerError, "resume failed")
		return
	}
	if err := h.queue.PublishStart(r.Context(), queue.StartCommand{
		CampaignID: c.ID,
		ClientID:   c.ClientID,
	}); err != nil {
		h.logger.Error("start command publish failed", "campaign_id", c.ID, "error", err)
	}
	c.Status = campaign.StatusRunning
	h.publish(c)
	writeJSON(w, http.StatusOK, campaignView(c))
}

func (h *CampaignsHandler) load(w http.ResponseWriter, r *http.Request) (campaign.Campaign, bool) {
	campaignID := chi.URLParam(r, "campaignID")
	if campaignID == "" {
		jsonError(w, http.StatusBadRequest, "campaign id required")
		return campaign.Campaign{}, false
	}
	c, err := h.store.FindByID(r.Context(), campaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "campaign not found")
		return campaign.Campaign{}, false
	}
	if err != nil {
		h.logger.Error("campaign lookup failed", "campaign_id", campaignID, "error", err)
		jsonError(w, http.StatusInternalServerError, "lookup failed")
		return campaign.Campaign{}, false
	}
	return c, true
}

func (h *CampaignsHandler) publish(c campaign.Campaign) {
	if h.events == nil {
		return
	}
	h.events.Publish(events.Event{
		Type:       events.TypeCampaignUpdate,
		ClientID:   c.ClientID,
		CampaignID: c.ID,
		Status:     string(c.Status),
	})
}

func campaignView(c campaign.Campaign) map[string]any {
	return map[string]any{
		"id":                c.ID,
		"clientId":          c.ClientID,
		"listId":            c.ListID,
		"status":            string(c.Status),
		"currentIndex":      c.CurrentIndex,
		"totalContacts":     c.TotalContacts,
		"processedContacts": c.ProcessedContacts,
	}
}
