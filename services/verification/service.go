// Package verification authorizes attendance claims. It ties the session
// registry, token codec, embedding pipeline, matcher, rate limiter and
// ledger together into the face, QR-scan and enrollment flows.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"attendd/pkg/clock"
	"attendd/services/biometric"
	"attendd/services/ledger"
	"attendd/services/profiles"
	"attendd/services/ratelimit"
	"attendd/services/sessions"
)

// Archiver stores raw enrollment captures.
type Archiver interface {
	PutObject(ctx context.Context, bucket, key, contentType string, data []byte) error
}

// Config holds the tunable policy of the flows.
type Config struct {
	// Threshold is the single cosine similarity cut-off for every face path.
	Threshold float64
	// MinQuality rejects embeddings scoring below it. Zero disables the check.
	MinQuality float64
	RateLimit  ratelimit.Policy
	// CaptureBucket receives enrollment images when an Archiver is set.
	CaptureBucket string
}

// Deps are the collaborators of a Service. Archiver and Metrics are optional.
type Deps struct {
	Sessions *sessions.Store
	Ledger   *ledger.Ledger
	Profiles profiles.Repository
	Limiter  ratelimit.Limiter
	Pipeline *biometric.Pipeline
	Archiver Archiver
	Metrics  *Metrics
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Service runs the verification flows. It is safe for concurrent use.
type Service struct {
	sessions *sessions.Store
	ledger   *ledger.Ledger
	profiles profiles.Repository
	limiter  ratelimit.Limiter
	pipeline *biometric.Pipeline
	archiver Archiver
	metrics  *Metrics
	clock    clock.Clock
	logger   zerolog.Logger

	matcher biometric.Matcher
	cfg     Config
}

// New validates cfg and wires deps into a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Profiles == nil:
		return nil, errors.New("profile repository is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case deps.Pipeline == nil:
		return nil, errors.New("embedding pipeline is required")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = biometric.DefaultThreshold
	}
	matcher, err := biometric.NewMatcher(cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if cfg.MinQuality < 0 || cfg.MinQuality > 1 {
		return nil, fmt.Errorf("minimum quality must be in [0,1], got %v", cfg.MinQuality)
	}
	if cfg.RateLimit.Max == 0 && cfg.RateLimit.Window == 0 {
		cfg.RateLimit = ratelimit.DefaultPolicy
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	return &Service{
		sessions: deps.Sessions,
		ledger:   deps.Ledger,
		profiles: deps.Profiles,
		limiter:  deps.Limiter,
		pipeline: deps.Pipeline,
		archiver: deps.Archiver,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		matcher:  matcher,
		cfg:      cfg,
	}, nil
}

// Threshold is the configured match threshold.
func (s *Service) Threshold() float64 {
	return s.matcher.Threshold
}

// Ready reports whether the face model has loaded.
func (s *Service) Ready() bool {
	return s.pipeline.Ready()
}

// ReloadModel starts a fresh load of the face model.
func (s *Service) ReloadModel(ctx context.Context) error {
	if err := s.pipeline.Reload(ctx); err != nil {
		return err
	}
	s.logger.Info().Msg("face model reload started")
	return nil
}

// DeleteProfile removes the enrolled face profile of studentID.
func (s *Service) DeleteProfile(ctx context.Context, studentID string) error {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return invalid("student id is required")
	}
	if err := s.profiles.Delete(ctx, studentID); err != nil {
		return err
	}
	s.logger.Info().Str("student_id", studentID).Msg("face profile deleted")
	return nil
}

func rateKey(flow, studentID string) string {
	return flow + ":" + studentID
}

func (s *Service) allow(ctx context.Context, flow, studentID string) error {
	_, err := ratelimit.Allow(ctx, s.limiter, rateKey(flow, studentID), s.cfg.RateLimit)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		s.metrics.limited(flow)
		s.metrics.attempt(flow, "rate_limited")
		s.logger.Info().Str("flow", flow).Str("student_id", studentID).Msg("attempt rate limited")
	}
	return err
}

// ResetAttempts clears the face and scan attempt history of studentID.
func (s *Service) ResetAttempts(ctx context.Context, studentID string) error {
	if studentID == "" {
		return invalid("student id is required")
	}
	for _, flow := range []string{flowFace, flowScan} {
		if err := s.limiter.Reset(ctx, rateKey(flow, studentID)); err != nil {
			return err
		}
	}
	s.logger.Info().Str("student_id", studentID).Msg("rate limit reset")
	return nil
}

func (s *Service) record(ctx context.Context, flow string, rec ledger.Record, sessionID string) (ledger.Outcome, error) {
	outcome, err := s.ledger.Record(ctx, rec)
	if err != nil {
		s.metrics.attempt(flow, "storage_error")
		return "", err
	}
	s.metrics.write(outcome)

	if sessionID != "" {
		if err := s.sessions.MarkRecorded(sessionID, rec.StudentID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("mark student recorded")
		}
	}
	return outcome, nil
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}
