// Package api exposes the attendance engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"attendd/services/ledger"
	"attendd/services/sessions"
	"attendd/services/token"
	"attendd/services/verification"
)

const (
	defaultHTTPRateLimit = 100
	defaultRouteTimeout  = 60 * time.Second
	faceTimeout          = 30 * time.Second
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	// HTTPRateLimit is the coarse per-IP request budget per minute.
	HTTPRateLimit int
	RouteTimeout  time.Duration
}

// Check is a named readiness check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the engine components the handlers drive.
type Deps struct {
	Sessions     *sessions.Store
	Codec        *token.Codec
	Ledger       *ledger.Ledger
	Verification *verification.Service
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Middleware wraps every request, typically tracing and request logs.
	Middleware []func(http.Handler) http.Handler
	Checks     []Check
	Logger     zerolog.Logger
}

// API wires the engine and configuration into HTTP handlers.
type API struct {
	sessions *sessions.Store
	codec    *token.Codec
	ledger   *ledger.Ledger
	verify   *verification.Service
	gatherer prometheus.Gatherer
	mw       []func(http.Handler) http.Handler
	checks   []Check
	logger   zerolog.Logger
	config   Config
}

// New initialises the API layer with sane defaults applied to the provided configuration.
func New(deps Deps, cfg Config) (*API, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	case deps.Codec == nil:
		return nil, errors.New("token codec is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Verification == nil:
		return nil, errors.New("verification service is required")
	}

	if cfg.HTTPRateLimit <= 0 {
		cfg.HTTPRateLimit = defaultHTTPRateLimit
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = defaultRouteTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	return &API{
		sessions: deps.Sessions,
		codec:    deps.Codec,
		ledger:   deps.Ledger,
		verify:   deps.Verification,
		gatherer: deps.Gatherer,
		mw:       deps.Middleware,
		checks:   deps.Checks,
		logger:   deps.Logger,
		config:   cfg,
	}, nil
}
