package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"petanque-manager.app/cloud/internal/billing"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/ratelimit"
	"petanque-manager.app/cloud/internal/signature"
	"petanque-manager.app/cloud/internal/version"
	"petanque-manager.app/cloud/storage"
)

type Options struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	AllowedOrigins     []string
	// Limiter throttles clients that keep failing signature verification.
	Limiter ratelimit.Limiter
	Clock   billing.Clock
	Version string
	// AppVersion is the desktop release line; clients on another major are refused.
	AppVersion string
}

type Server struct {
	Router     chi.Router
	Storage    storage.Storage
	Dispatcher *billing.Dispatcher
	Repairer   *billing.Repairer

	secret     string
	tolerance  time.Duration
	limiter    ratelimit.Limiter
	clock      billing.Clock
	version    string
	appVersion string
}

func NewServer(store storage.Storage, dispatcher *billing.Dispatcher, repairer *billing.Repairer, opts Options) *Server {
	if opts.SignatureTolerance <= 0 {
		opts.SignatureTolerance = signature.DefaultTolerance
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(20, 10*time.Minute)
	}
	if opts.Clock == nil {
		opts.Clock = billing.SystemClock{}
	}
	if opts.Version == "" {
		opts.Version = version.Current()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		Router:     chi.NewRouter(),
		Storage:    store,
		Dispatcher: dispatcher,
		Repairer:   repairer,
		secret:     opts.WebhookSecret,
		tolerance:  opts.SignatureTolerance,
		limiter:    opts.Limiter,
		clock:      opts.Clock,
		version:    opts.Version,
		appVersion: opts.AppVersion,
	}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/health", s.Health)
	s.Router.Handle("/metrics", promhttp.Handler())

	s.Router.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", signature.HeaderName},
			MaxAge:         300,
		}))
		r.Post("/stripe/webhook", s.StripeWebhook)
		r.Post("/licenses/validate", s.ValidateLicense)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func writeJSON[T any](w http.ResponseWriter, status int, body T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
