// Package router wires the HTTP surface: platform webhook, simulator,
// operator admin API, health, and metrics.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hexleaf/wechat-ai-platform/internal/http/handlers"
	httpmiddleware "github.com/hexleaf/wechat-ai-platform/internal/http/middleware"
	"github.com/hexleaf/wechat-ai-platform/internal/webchat"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger          *logging.Logger
	Webhook         *handlers.WebhookHandler
	Admin           *handlers.AdminHandler
	Webchat         *webchat.Handler
	AdminAuthSecret string
	MetricsHandler  http.Handler

	// Webhook flood protection, requests/sec per IP. Zero disables.
	WebhookRateLimit float64
	WebhookBurst     int
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	// Platform callback. GET is the echo challenge, POST carries
	// messages.
	if cfg.Webhook != nil {
		r.Group(func(hook chi.Router) {
			if cfg.WebhookRateLimit > 0 {
				hook.Use(httpmiddleware.RateLimit(cfg.WebhookRateLimit, cfg.WebhookBurst))
			}
			hook.Get("/wechat", cfg.Webhook.HandleVerify)
			hook.Post("/wechat", cfg.Webhook.HandleMessage)
		})
	}

	// Browser simulator. No auth; sessions only touch sim: actor ids.
	if cfg.Webchat != nil {
		r.Route("/webchat", func(sim chi.Router) {
			sim.Get("/ws", cfg.Webchat.HandleWebSocket)
			sim.Post("/message", cfg.Webchat.HandleMessage)
			sim.Get("/history", cfg.Webchat.HandleHistory)
		})
	}

	// Operator API.
	if cfg.Admin != nil && cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/drafts", cfg.Admin.HandleListDrafts)
			admin.Get("/snapshots", cfg.Admin.HandleListSnapshots)
			admin.Get("/jobs", cfg.Admin.HandleListJobs)
			admin.Get("/conversations", cfg.Admin.HandleConversation)
			admin.Post("/faqs", cfg.Admin.HandleCreateFAQ)
			admin.Get("/menu", cfg.Admin.HandleGetMenu)
			admin.Post("/menu", cfg.Admin.HandleUpdateMenu)
			admin.Delete("/menu", cfg.Admin.HandleDeleteMenu)
		})
	}

	return r
}
