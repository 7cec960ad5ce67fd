package server

import (
	"context"
	"net/http"
	"time"

	"github.com/hongminglow/credit-ledger/internal/access"
	"github.com/hongminglow/credit-ledger/internal/auth"
	"github.com/hongminglow/credit-ledger/internal/config"
	"github.com/hongminglow/credit-ledger/internal/generation"
	"github.com/hongminglow/credit-ledger/internal/http/handlers"
	"github.com/hongminglow/credit-ledger/internal/ledger"
	"github.com/hongminglow/credit-ledger/internal/logging"
	"github.com/hongminglow/credit-ledger/internal/metrics"
	"github.com/hongminglow/credit-ledger/internal/middleware"
	"github.com/hongminglow/credit-ledger/internal/topup"
)

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Ledger      *ledger.Engine
	TopUps      *topup.Service
	Generations *generation.Service
	Access      *access.Service
	Webhook     handlers.WebhookOptions
	Logger      logging.Logger
	Metrics     *metrics.Collector
}

// Server wraps an http.Server with configured routes.
type Server struct {
	inner *http.Server
}

// New wires up middleware, routes, and returns a ready server.
func New(cfg config.Config, deps Deps) *Server {
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	service := handlers.Guard(middleware.RequireRole(tokens, auth.RoleService))
	admin := handlers.Guard(middleware.RequireRole(tokens, auth.RoleAdministrator))

	mux := http.NewServeMux()
	handlers.NewHealthHandler(time.Now()).Register(mux)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	handlers.NewUserHandler(deps.Ledger, deps.Generations).Register(mux, service)
	handlers.NewTopUpHandler(deps.TopUps).Register(mux, service)
	handlers.NewAccessHandler(deps.Access).Register(mux, service, admin)
	handlers.NewAdminHandler(deps.Ledger, deps.Logger).Register(mux, admin)
	handlers.NewWebhookHandler(deps.Ledger, deps.Webhook, deps.Logger, deps.Metrics).Register(mux)

	handler := middleware.CORS(cfg.CORSOrigins, middleware.Logging(deps.Logger, deps.Metrics, mux))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Generation requests wait on the provider.
		WriteTimeout: cfg.Generation.Timeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{inner: httpServer}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
