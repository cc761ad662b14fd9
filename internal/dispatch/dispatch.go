// Package dispatch places one outbound call through the staged pipeline:
// sweep stuck rows, wait for a concurrency slot, warm the bot, validate, dial.
// Every attempt that gets past the gate leaves a ledger row, success or not,
// so concurrency accounting and campaign progress never lose a call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/gate"
	"github.com/dialgrid/dialgrid/internal/ledger"
	"github.com/dialgrid/dialgrid/internal/observability/metrics"
	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/internal/routing"
	"github.com/dialgrid/dialgrid/internal/warmup"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// Origin tells the pipeline who is asking: API requests get a single-shot gate
// check, campaign workers poll until a slot frees.
type Origin string

const (
	OriginAPI      Origin = "api"
	OriginCampaign Origin = "campaign"
)

// Stage identifies where in the pipeline a dispatch failed.
type Stage string

const (
	StageSweep    Stage = "sweep"
	StageGate     Stage = "gate"
	StageWarmup   Stage = "warmup"
	StageValidate Stage = "validate"
	StageDial     Stage = "dial"
)

// Error is a staged dispatch failure. CallUUID is set when a ledger row was
// written for the attempt.
type Error struct {
	Stage    Stage
	CallUUID string
	// PauseCampaign tells campaign workers to park the campaign instead of
	// burning through contacts (gate exhaustion).
	PauseCampaign bool
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Request is one call to place.
type Request struct {
	ClientID         string
	CampaignID       string
	ListID           string
	From             string
	To               string
	WSSURL           string
	ProviderOverride string

	ContactFields  map[string]string
	ContactData    map[string]any
	ContactIndex   *int
	SequenceNumber *int

	IncludeGlobalContext bool
	IncludeAgentContext  bool

	Origin Origin
}

// Router resolves the dial plan for a call.
type Router interface {
	Route(ctx context.Context, clientID, fromNumber, override string) (routing.Plan, error)
}

// SlotWaiter is the gate's admission surface.
type SlotWaiter interface {
	WaitForSlot(ctx context.Context, clientID string, maxAttempts int) (gate.WaitResult, error)
}

// Warmer probes the bot before dialing.
type Warmer interface {
	Warmup(ctx context.Context, wssURL string) warmup.Result
}

type Config struct {
	Ledger ledger.Ledger
	Gate   SlotWaiter
	Router Router
	Warmer Warmer

	// Limits drive the lazy sweep that runs before every dispatch.
	Limits ledger.ExpiryLimits
	// Pacer throttles provider API requests across the process.
	Pacer *rate.Limiter

	Events  events.Publisher
	Metrics *metrics.DispatchMetrics
	Logger  *logging.Logger
}

type Dispatcher struct {
	ledger  ledger.Ledger
	gate    SlotWaiter
	router  Router
	warmer  Warmer
	limits  ledger.ExpiryLimits
	pacer   *rate.Limiter
	events  events.Publisher
	metrics *metrics.DispatchMetrics
	logger  *logging.Logger
}

func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		ledger:  cfg.Ledger,
		gate:    cfg.Gate,
		router:  cfg.Router,
		warmer:  cfg.Warmer,
		limits:  cfg.Limits,
		pacer:   cfg.Pacer,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  logger.Component("dispatch"),
	}
}

// Dispatch runs the full pipeline for one call and returns the ledger row it
// wrote. On failure the returned error is a *Error naming the stage; a row is
// still written wherever the attempt got far enough to matter.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (ledger.Call, error) {
	// Stage 1: sweep. Expire stuck rows first so a dead call from a crashed
	// webhook does not hold a slot against this client forever. Sweep errors
	// are logged and ignored; dispatch must not fail because cleanup did.
	start := time.Now()
	if expired, err := d.ledger.ExpireStale(ctx, d.limits); err != nil {
		d.logger.Warn("pre-dispatch sweep failed", "error", err)
	} else if expired > 0 {
		d.metrics.ObserveSweep("lazy", expired)
		d.logger.Info("pre-dispatch sweep expired stuck calls", "expired", expired)
	}
	d.metrics.ObserveStage(string(StageSweep), time.Since(start).Seconds())

	// Stage 2: gate.
	start = time.Now()
	gateAttempts := 0 // configured budget
	if req.Origin == OriginAPI {
		gateAttempts = 1
	}
	wait, err := d.gate.WaitForSlot(ctx, req.ClientID, gateAttempts)
	d.metrics.ObserveStage(string(StageGate), time.Since(start).Seconds())
	if err != nil {
		return ledger.Call{}, &Error{
			Stage:         StageGate,
			PauseCampaign: req.Origin == OriginCampaign && errors.Is(err, gate.ErrWaitTimeout),
			Err:           err,
		}
	}
	if wait.Attempts > 1 {
		d.logger.Info("call slot acquired",
			"client_id", req.ClientID,
			"attempts", wait.Attempts,
			"waited_ms", wait.Waited.Milliseconds(),
		)
	}

	// Stage 3: warmup. A bot that cannot answer its media stream produces a
	// dead call, so failure here is recorded and the provider is never dialed.
	start = time.Now()
	warm := d.warmer.Warmup(ctx, req.WSSURL)
	d.metrics.ObserveStage(string(StageWarmup), time.Since(start).Seconds())
	if !warm.Succeeded {
		callUUID, insErr := d.ledger.InsertFailed(ctx, d.rowFromRequest(req, warm), ledger.FailureBotNotReady)
		if insErr != nil {
			d.logger.Error("failed to record warmup failure", "error", insErr)
		}
		d.metrics.ObserveDispatch("", "warmup_failed")
		d.publishFailed(req, callUUID, "", ledger.FailureBotNotReady)
		return ledger.Call{}, &Error{
			Stage:    StageWarmup,
			CallUUID: callUUID,
			Err:      fmt.Errorf("bot not ready after %d attempts: %w", warm.Attempts, warm.Err),
		}
	}

	// Stage 4: validate and route.
	start = time.Now()
	params := provider.CallParams{
		ClientID:             req.ClientID,
		CampaignID:           req.CampaignID,
		ListID:               req.ListID,
		From:                 req.From,
		To:                   req.To,
		WSSURL:               req.WSSURL,
		ContactFields:        req.ContactFields,
		IncludeGlobalContext: req.IncludeGlobalContext,
		IncludeAgentContext:  req.IncludeAgentContext,
	}
	plan, err := d.validate(ctx, req, params)
	d.metrics.ObserveStage(string(StageValidate), time.Since(start).Seconds())
	if err != nil {
		if req.Origin == OriginCampaign {
			// Campaign rows must account for every contact, including the
			// ones that never reached a provider.
			callUUID, insErr := d.ledger.InsertFailed(ctx, d.rowFromRequest(req, warm), ledger.FailureAPIException)
			if insErr != nil {
				d.logger.Error("failed to record validation failure", "error", insErr)
			}
			d.metrics.ObserveDispatch("", "invalid")
			d.publishFailed(req, callUUID, "", ledger.FailureAPIException)
			return ledger.Call{}, &Error{Stage: StageValidate, CallUUID: callUUID, Err: err}
		}
		return ledger.Call{}, &Error{Stage: StageValidate, Err: err}
	}

	// Stage 5: dial.
	start = time.Now()
	call, err := d.dial(ctx, req, params, plan, warm)
	d.metrics.ObserveStage(string(StageDial), time.Since(start).Seconds())
	return call, err
}

func (d *Dispatcher) validate(ctx context.Context, req Request, params provider.CallParams) (routing.Plan, error) {
	if err := params.Validate(); err != nil {
		return routing.Plan{}, err
	}
	plan, err := d.router.Route(ctx, req.ClientID, req.From, req.ProviderOverride)
	if err != nil {
		return routing.Plan{}, err
	}
	if err := plan.Adapter.ValidateConfig(plan.Credentials); err != nil {
		return routing.Plan{}, err
	}
	return plan, nil
}

// dial runs the provider-specific ordering. Twilio identifies calls by its own
// SID, so the ledger row is reserved under our UUID before the request; a
// webhook can then never arrive for a row that does not exist. Plivo returns
// the request UUID in the create response, so there the dial comes first.
func (d *Dispatcher) dial(ctx context.Context, req Request, params provider.CallParams, plan routing.Plan, warm warmup.Result) (ledger.Call, error) {
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return ledger.Call{}, &Error{Stage: StageDial, Err: err}
		}
	}

	row := d.rowFromRequest(req, warm)
	row.Provider = plan.Provider
	row.Status = ledger.StatusProcessed

	d.logger.Info("dialing",
		"provider", plan.Provider,
		"client_id", req.ClientID,
		"campaign_id", req.CampaignID,
		"to", req.To,
		"account_id", plan.MaskedAccountID,
		"client_specific", plan.ClientSpecific,
	)

	if plan.Provider == provider.Twilio {
		return d.dialTwilio(ctx, req, params, plan, row)
	}
	return d.dialProviderFirst(ctx, req, params, plan, row)
}

func (d *Dispatcher) dialTwilio(ctx context.Context, req Request, params provider.CallParams, plan routing.Plan, row ledger.Call) (ledger.Call, error) {
	row.CallUUID = uuid.NewString()
	params.CallUUID = row.CallUUID
	if _, err := d.ledger.Insert(ctx, row); err != nil {
		return ledger.Call{}, &Error{Stage: StageDial, Err: fmt.Errorf("reserve ledger row: %w", err)}
	}

	result, err := plan.Adapter.MakeCall(ctx, params, plan.Credentials)
	if err != nil {
		reason, outcome := classify(err)
		if _, trErr := d.ledger.Transition(ctx, row.CallUUID, ledger.StatusFailed, &ledger.TerminalInfo{
			EndReason:     "dispatch_failed",
			FailureReason: reason,
		}); trErr != nil {
			d.logger.Error("failed to mark reserved row failed", "call_uuid", row.CallUUID, "error", trErr)
		}
		d.metrics.ObserveDispatch(plan.Provider, outcome)
		d.publishFailed(req, row.CallUUID, plan.Provider, reason)
		return ledger.Call{}, &Error{Stage: StageDial, CallUUID: row.CallUUID, Err: err}
	}

	if err := d.ledger.AttachTwilioSID(ctx, row.CallUUID, result.ProviderSID); err != nil {
		// The call is live; losing the SID only degrades webhook correlation.
		d.logger.Error("failed to attach provider sid", "call_uuid", row.CallUUID, "error", err)
	}
	row.TwilioCallSID = result.ProviderSID
	d.succeed(req, plan.Provider, row.CallUUID)
	return row, nil
}

func (d *Dispatcher) dialProviderFirst(ctx context.Context, req Request, params provider.CallParams, plan routing.Plan, row ledger.Call) (ledger.Call, error) {
	result, err := plan.Adapter.MakeCall(ctx, params, plan.Credentials)
	if err != nil {
		reason, outcome := classify(err)
		row.Provider = plan.Provider
		callUUID, insErr := d.ledger.InsertFailed(ctx, row, reason)
		if insErr != nil {
			d.logger.Error("failed to record dial failure", "error", insErr)
		}
		d.metrics.ObserveDispatch(plan.Provider, outcome)
		d.publishFailed(req, callUUID, plan.Provider, reason)
		return ledger.Call{}, &Error{Stage: StageDial, CallUUID: callUUID, Err: err}
	}

	row.CallUUID = result.CallUUID
	if created, err := d.ledger.Insert(ctx, row); err != nil {
		d.logger.Error("call placed but ledger insert failed", "call_uuid", row.CallUUID, "error", err)
		return ledger.Call{}, &Error{Stage: StageDial, CallUUID: row.CallUUID, Err: err}
	} else if !created {
		// A webhook raced us and the handler inserted first. Its row wins.
		d.logger.Info("ledger row already present for new call", "call_uuid", row.CallUUID)
	}
	d.succeed(req, plan.Provider, row.CallUUID)
	return row, nil
}

func (d *Dispatcher) succeed(req Request, providerName, callUUID string) {
	d.metrics.ObserveDispatch(providerName, "success")
	if d.events != nil {
		d.events.Publish(events.Event{
			Type:       events.TypeCallDispatched,
			ClientID:   req.ClientID,
			CampaignID: req.CampaignID,
			CallUUID:   callUUID,
			Provider:   providerName,
			Status:     string(ledger.StatusProcessed),
		})
	}
}

func (d *Dispatcher) publishFailed(req Request, callUUID, providerName string, reason ledger.FailureReason) {
	if d.events == nil {
		return
	}
	d.events.Publish(events.Event{
		Type:       events.TypeCallFailed,
		ClientID:   req.ClientID,
		CampaignID: req.CampaignID,
		CallUUID:   callUUID,
		Provider:   providerName,
		Status:     string(ledger.StatusFailed),
		Reason:     string(reason),
	})
}

func (d *Dispatcher) rowFromRequest(req Request, warm warmup.Result) ledger.Call {
	return ledger.Call{
		ClientID:             req.ClientID,
		CampaignID:           req.CampaignID,
		FromNumber:           req.From,
		ToNumber:             req.To,
		WarmupAttempts:       warm.Attempts,
		WarmupDuration:       warm.Duration,
		ContactIndex:         req.ContactIndex,
		SequenceNumber:       req.SequenceNumber,
		ContactData:          req.ContactData,
		IncludeGlobalContext: req.IncludeGlobalContext,
		IncludeAgentContext:  req.IncludeAgentContext,
	}
}

// classify splits provider errors into declines (the provider answered and
// said no) and exceptions (the request never completed).
func classify(err error) (ledger.FailureReason, string) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return ledger.FailureAPICall, "api_error"
	}
	return ledger.FailureAPIException, "exception"
}
