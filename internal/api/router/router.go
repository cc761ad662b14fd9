// Package router assembles the HTTP surface: call and campaign APIs, the
// provider webhook endpoints, the dashboard event stream, and probes.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/http/handlers"
	httpmiddleware "github.com/dialgrid/dialgrid/internal/http/middleware"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	Calls     *handlers.CallsHandler
	Campaigns *handlers.CampaignsHandler
	Plivo     *handlers.PlivoWebhookHandler
	Twilio    *handlers.TwilioWebhookHandler
	Health    *handlers.HealthHandler
	EventHub  *events.Hub

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Probes and metrics.
	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.HandleLiveness)
		r.Get("/readyz", cfg.Health.HandleReadiness)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Provider webhooks. These are public by protocol; Twilio requests are
	// signature-checked in the handler when a token is configured.
	if cfg.Plivo != nil {
		r.Post("/plivo/ring-url", cfg.Plivo.HandleRing)
		r.Post("/plivo/hangup-url", cfg.Plivo.HandleHangup)
		r.Get("/ip/xml-plivo", cfg.Plivo.HandleAnswer)
		r.Post("/ip/xml-plivo", cfg.Plivo.HandleAnswer)
	}
	if cfg.Twilio != nil {
		r.Post("/twilio/status-callback", cfg.Twilio.HandleStatusCallback)
		r.Post("/twilio/twiml", cfg.Twilio.HandleTwiML)
	}

	// Dashboard event stream.
	if cfg.EventHub != nil {
		r.Get("/ws/events", cfg.EventHub.ServeWS)
	}

	// Call and campaign APIs.
	r.Route("/api", func(api chi.Router) {
		if cfg.Calls != nil {
			api.Post("/calls", cfg.Calls.HandleDispatch)
			api.Get("/clients/{clientID}/active-calls", cfg.Calls.HandleActiveCalls)
		}
		if cfg.Campaigns != nil {
			api.Route("/campaigns", func(campaigns chi.Router) {
				campaigns.Post("/", cfg.Campaigns.HandleCreate)
				campaigns.Get("/{campaignID}", cfg.Campaigns.HandleGet)
				campaigns.Post("/{campaignID}/pause", cfg.Campaigns.HandlePause)
				campaigns.Post("/{campaignID}/resume", cfg.Campaigns.HandleResume)
			})
		}
	})

	return r
}
