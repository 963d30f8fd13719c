package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	for _, mw := range a.mw {
		r.Use(mw)
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.HTTPRateLimit, time.Minute))
		r.Use(middleware.Timeout(a.config.RouteTimeout))

		r.Post("/sessions", a.handleOpenSession)
		r.Get("/sessions/active", a.handleActiveSession)
		r.Get("/sessions/{id}", a.handleGetSession)
		r.Post("/sessions/{id}/end", a.handleEndSession)
		r.Post("/sessions/{id}/token", a.handleIssueToken)

		r.Post("/classes/{id}/enrollments", a.handleEnrollRoster)

		r.Post("/attendance/scan", a.handleScan)
		r.Post("/attendance/batch", a.handleBatch)

		r.Post("/faces/enroll", a.handleFaceEnroll)
		r.Post("/faces/verify", a.handleFaceVerify)
		r.Delete("/faces/{studentID}", a.handleFaceDelete)

		r.Post("/model/reload", a.handleModelReload)

		r.Delete("/ratelimit/{identity}", a.handleResetRateLimit)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	failing := map[string]string{}
	for _, c := range a.checks {
		if err := c.Fn(ctx); err != nil {
			failing[c.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
