package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialgrid/dialgrid/internal/contacts"
	"github.com/dialgrid/dialgrid/internal/dispatch"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// CallDispatcher is the pipeline surface the worker drives.
type CallDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (ledger.Call, error)
}

type WorkerConfig struct {
	Store      Store
	Contacts   contacts.Source
	Dispatcher CallDispatcher

	// ContainerID identifies this process in campaign leases.
	ContainerID string
	// HeartbeatInterval is the lease refresh cadence (default 30s).
	HeartbeatInterval time.Duration
	// OrphanThreshold is how stale a heartbeat must be before the lease may
	// be stolen (default 2m).
	OrphanThreshold time.Duration
	// BatchSize bounds one contact slice read (default 50).
	BatchSize int

	Events  events.Publisher
	Metrics *metrics.DispatchMetrics
	Logger  *logging.Logger
}

// Worker claims one campaign and walks its contacts through the pipeline,
// advancing the cursor only after a ledger row exists for the contact.
type Worker struct {
	store             Store
	contacts          contacts.Source
	dispatcher        CallDispatcher
	containerID       string
	heartbeatInterval time.Duration
	orphanThreshold   time.Duration
	batchSize         int
	events            events.Publisher
	metrics           *metrics.DispatchMetrics
	logger            *logging.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	orphanThreshold := cfg.OrphanThreshold
	if orphanThreshold <= 0 {
		orphanThreshold = 2 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		store:             cfg.Store,
		contacts:          cfg.Contacts,
		dispatcher:        cfg.Dispatcher,
		containerID:       cfg.ContainerID,
		heartbeatInterval: heartbeatInterval,
		orphanThreshold:   orphanThreshold,
		batchSize:         batchSize,
		events:            cfg.Events,
		metrics:           cfg.Metrics,
		logger:            logger.Component("campaign-worker"),
	}
}

// Run claims the campaign and processes contacts until completion, pause, or
// ctx cancellation. A lost claim is not an error: another worker owns it.
func (w *Worker) Run(ctx context.Context, campaignID string) error {
	claimed, err := w.store.Claim(ctx, campaignID, w.containerID, time.Now().Add(-w.orphanThreshold))
	if err != nil {
		return fmt.Errorf("campaign: claim %s: %w", campaignID, err)
	}
	if !claimed {
		w.logger.Info("campaign already owned, skipping", "campaign_id", campaignID)
		return nil
	}
	w.logger.Info("campaign claimed", "campaign_id", campaignID, "container_id", w.containerID)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, campaignID)

	err = w.loop(ctx, campaignID)
	// Clean exits release the lease so a resume never waits out the
	// orphan threshold.
	if relErr := w.store.Release(context.WithoutCancel(ctx), campaignID); relErr != nil {
		w.logger.Warn("lease release failed", "campaign_id", campaignID, "error", relErr)
	}
	return err
}

func (w *Worker) loop(ctx context.Context, campaignID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Re-read every batch so operator pause is observed between contacts.
		c, err := w.store.FindByID(ctx, campaignID)
		if err != nil {
			return fmt.Errorf("campaign: reload %s: %w", campaignID, err)
		}
		if c.Status != StatusRunning {
			w.logger.Info("campaign no longer running, exiting",
				"campaign_id", campaignID, "status", string(c.Status))
			return nil
		}
		if c.CurrentIndex >= c.TotalContacts {
			return w.complete(ctx, c)
		}

		batch, err := w.contacts.Slice(ctx, c.ListID, c.CurrentIndex, w.batchSize)
		if err != nil {
			w.logger.Error("contact list unreadable, failing campaign",
				"campaign_id", campaignID, "list_id", c.ListID, "error", err)
			if stErr := w.store.SetStatus(ctx, campaignID, StatusFailed); stErr != nil {
				w.logger.Error("failed to mark campaign failed", "campaign_id", campaignID, "error", stErr)
			}
			w.publish(c, events.TypeCampaignUpdate, string(StatusFailed))
			return fmt.Errorf("campaign: read contacts: %w", err)
		}
		if len(batch) == 0 {
			// The list is shorter than totalContacts claimed; finish rather
			// than spin.
			w.logger.Warn("contact list exhausted before cursor reached total",
				"campaign_id", campaignID,
				"current_index", c.CurrentIndex,
				"total_contacts", c.TotalContacts)
			return w.complete(ctx, c)
		}

		for i, contact := range batch {
			// Pause is cooperative: check between contacts, not just between
			// batches, so an operator pause stops after the in-flight call.
			if i > 0 {
				fresh, err := w.store.FindByID(ctx, c.ID)
				if err != nil {
					return fmt.Errorf("campaign: reload %s: %w", c.ID, err)
				}
				if fresh.Status != StatusRunning {
					w.logger.Info("campaign no longer running, exiting",
						"campaign_id", c.ID, "status", string(fresh.Status))
					return nil
				}
			}
			done, err := w.processContact(ctx, c, contact)
			if err != nil || done {
				return err
			}
			c.CurrentIndex++
			c.ProcessedContacts++
		}
	}
}

// processContact dispatches one contact and advances the cursor once a ledger
// row exists. done=true means the worker should exit (pause or completion is
// handled by the caller's next reload).
func (w *Worker) processContact(ctx context.Context, c Campaign, contact contacts.Contact) (done bool, err error) {
	index := contact.Index
	seq := c.ProcessedContacts + 1
	req := dispatch.Request{
		ClientID:             c.ClientID,
		CampaignID:           c.ID,
		ListID:               c.ListID,
		From:                 c.FromNumber,
		To:                   contact.Phone(),
		WSSURL:               c.WSSURL,
		ProviderOverride:     c.ProviderOverride,
		ContactFields:        stringifyFields(contact.Data),
		ContactData:          contact.Data,
		ContactIndex:         &index,
		SequenceNumber:       &seq,
		IncludeGlobalContext: c.IncludeGlobalContext,
		IncludeAgentContext:  c.IncludeAgentContext,
		Origin:               dispatch.OriginCampaign,
	}

	_, dispatchErr := w.dispatcher.Dispatch(ctx, req)
	if dispatchErr == nil {
		w.metrics.ObserveContact("dispatched")
		return false, w.advance(ctx, c)
	}

	var derr *dispatch.Error
	if errors.As(dispatchErr, &derr) {
		if derr.PauseCampaign {
			w.logger.Warn("pausing campaign, no call slots available",
				"campaign_id", c.ID, "contact_index", index)
			if err := w.store.SetStatus(ctx, c.ID, StatusPaused); err != nil {
				return true, fmt.Errorf("campaign: pause %s: %w", c.ID, err)
			}
			w.metrics.ObserveContact("paused")
			w.publish(c, events.TypeCampaignUpdate, string(StatusPaused))
			return true, nil
		}
		if derr.CallUUID != "" {
			// The failure was recorded on the ledger; the contact counts as
			// processed and the campaign moves on.
			w.logger.Warn("contact dispatch failed, advancing",
				"campaign_id", c.ID,
				"contact_index", index,
				"stage", string(derr.Stage),
				"call_uuid", derr.CallUUID,
				"error", derr.Err,
			)
			w.metrics.ObserveContact("failed")
			return false, w.advance(ctx, c)
		}
	}
	// No ledger row was written; leave the cursor alone so a retry (here or
	// after orphan recovery) replays this contact.
	return true, fmt.Errorf("campaign: dispatch contact %d: %w", index, dispatchErr)
}

func (w *Worker) advance(ctx context.Context, c Campaign) error {
	advanced, err := w.store.AdvanceCursor(ctx, c.ID, w.containerID)
	if err != nil {
		return err
	}
	if !advanced {
		return fmt.Errorf("campaign: lost lease on %s while advancing cursor", c.ID)
	}
	return nil
}

func (w *Worker) complete(ctx context.Context, c Campaign) error {
	if err := w.store.SetStatus(ctx, c.ID, StatusCompleted); err != nil {
		return fmt.Errorf("campaign: complete %s: %w", c.ID, err)
	}
	w.logger.Info("campaign completed",
		"campaign_id", c.ID,
		"processed_contacts", c.ProcessedContacts,
		"total_contacts", c.TotalContacts)
	w.publish(c, events.TypeCampaignUpdate, string(StatusCompleted))
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context, campaignID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, campaignID, w.containerID); err != nil {
				if errors.Is(err, ErrNotFound) {
					w.logger.Warn("lease lost, stopping heartbeat", "campaign_id", campaignID)
					return
				}
				w.logger.Warn("heartbeat failed", "campaign_id", campaignID, "error", err)
			}
		}
	}
}

func (w *Worker) publish(c Campaign, eventType, status string) {
	if w.events == nil {
		return
	}
	w.events.Publish(events.Event{
		Type:       eventType,
		ClientID:   c.ClientID,
		CampaignID: c.ID,
		Status:     status,
	})
}

// stringifyFields flattens a contact row for the answer URL. The _id and
// listId columns are list bookkeeping, not bot context; listId travels as its
// own top-level parameter instead.
func stringifyFields(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for key, value := range data {
		if value == nil || key == "_id" || key == "listId" {
			continue
		}
		out[key] = fmt.Sprint(value)
	}
	return out
}
