// Package httpapi exposes the escrow engine, settlement orchestrator and
// supporting services over REST and a websocket event stream.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/sessionpay/internal/app"
	"github.com/R3E-Network/sessionpay/internal/app/metrics"
	"github.com/R3E-Network/sessionpay/internal/config"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/internal/httputil"
	"github.com/R3E-Network/sessionpay/internal/middleware"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

// Options carries the cross-cutting pieces of the HTTP stack.
type Options struct {
	Auth           *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	Audit          *auditLog
	Logger         *logger.Logger
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, log *logger.Logger) (Options, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	sink, err := newFileAuditSink(cfg.Audit.Path)
	if err != nil {
		return Options{}, err
	}
	var s auditSink
	if sink != nil {
		s = sink
	}
	return Options{
		Auth:           middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log.Named("auth"), nil),
		RateLimiter:    middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log.Named("ratelimit")),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Audit:          newAuditLog(cfg.Audit.Max, s),
		Logger:         log,
	}, nil
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
	log   *logger.Logger

	// streamPing is the websocket keepalive period.
	streamPing time.Duration
}

// NewHandler returns the routed API with its middleware chain applied.
func NewHandler(application *app.Application, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("httpapi")
	}
	if opts.Auth == nil {
		opts.Auth = middleware.NewAuthMiddleware("", "", opts.Logger.Named("auth"), nil)
	}
	if opts.Audit == nil {
		opts.Audit = newAuditLog(0, nil)
	}
	h := &handler{app: application, audit: opts.Audit, log: opts.Logger, streamPing: 30 * time.Second}

	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware(opts.Logger))
	r.Use(mux.MiddlewareFunc(middleware.TracingMiddleware))
	r.Use(middleware.LoggingMiddleware(opts.Logger))
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.NewCORSMiddleware(opts.AllowedOrigins).Handler)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(opts.Auth.Handler)
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}
	api.Use(h.audit.middleware)

	api.HandleFunc("/sessions", h.prepareSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", h.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.sessionStatus).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/open", h.openSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/process", h.processSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/confirm", h.confirmSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/refund", h.refundSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/state", h.sessionState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/events", h.sessionEvents).Methods(http.MethodGet)

	api.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/recent", h.recentEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/stream", h.streamEvents).Methods(http.MethodGet)

	api.HandleFunc("/admin/config", h.adminConfig).Methods(http.MethodGet)
	api.HandleFunc("/admin/refund-delay", h.setRefundDelay).Methods(http.MethodPut)
	api.HandleFunc("/admin/pause", h.pause).Methods(http.MethodPost)
	api.HandleFunc("/admin/unpause", h.unpause).Methods(http.MethodPost)
	api.HandleFunc("/admin/owner", h.transferOwnership).Methods(http.MethodPost)

	api.HandleFunc("/tokens", h.listTokens).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{token}/mint", h.mint).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{token}/approve", h.approve).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{token}/burn", h.burn).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{token}/balances/{address}", h.balance).Methods(http.MethodGet)

	api.HandleFunc("/attestations", h.listAttestations).Methods(http.MethodGet)
	api.HandleFunc("/attestations", h.createAttestation).Methods(http.MethodPost)
	api.HandleFunc("/attestations/{uid}", h.getAttestation).Methods(http.MethodGet)
	api.HandleFunc("/schemas/{uid}", h.getSchema).Methods(http.MethodGet)
	api.HandleFunc("/users/{address}/history", h.userHistory).Methods(http.MethodGet)
	api.HandleFunc("/explorer", h.explore).Methods(http.MethodGet)
	api.HandleFunc("/prices/{pair}", h.latestPrice).Methods(http.MethodGet)
	api.HandleFunc("/prices/{pair}/history", h.priceHistory).Methods(http.MethodGet)
	api.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, svcerrors.NotFound("route", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, svcerrors.New(svcerrors.CodeValidation, "method not allowed", http.StatusMethodNotAllowed))
	})
	return r
}
