// Package absence marks enrolled students absent once a QR session expires
// without them redeeming it.
package absence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"attendd/pkg/bus"
	"attendd/services/ledger"
	"attendd/services/sessions"
)

const durableName = "absence-backfill"

// ExpiredEvent is published on bus.SubjectSessionExpired.
type ExpiredEvent struct {
	SessionID   string    `json:"session_id"`
	ClassID     string    `json:"class_id"`
	SessionDate string    `json:"session_date"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiredAt   time.Time `json:"expired_at"`
}

// Backfiller writes absent rows for the unmarked part of a class roster.
type Backfiller interface {
	BackfillAbsent(ctx context.Context, classID string, sessionDate, ts time.Time) (int, error)
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Subscriber is satisfied by *bus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// NewEvent describes sess expiring at expiredAt.
func NewEvent(sess sessions.Session, expiredAt time.Time) ExpiredEvent {
	return ExpiredEvent{
		SessionID:   sess.ID,
		ClassID:     sess.ClassID,
		SessionDate: ledger.DateString(sess.Date()),
		CreatedAt:   sess.CreatedAt,
		ExpiredAt:   expiredAt.UTC(),
	}
}

// Hook returns the session store's expiry callback. With a publisher the
// event goes onto the bus for the Worker; a failed publish, or a nil
// publisher, runs the back-fill inline.
func Hook(pub Publisher, backfill Backfiller, now func() time.Time, logger zerolog.Logger) sessions.ExpiryFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, sess sessions.Session) {
		evt := NewEvent(sess, now())
		log := logger.With().Str("session_id", evt.SessionID).Str("class_id", evt.ClassID).Logger()

		if pub != nil {
			err := pub.Publish(ctx, bus.SubjectSessionExpired, evt)
			if err == nil {
				return
			}
			log.Warn().Err(err).Msg("publish session expiry, back-filling inline")
		}
		if backfill == nil {
			return
		}
		if _, err := run(ctx, backfill, evt, log); err != nil {
			log.Error().Err(err).Msg("absence back-fill failed")
		}
	}
}

func run(ctx context.Context, backfill Backfiller, evt ExpiredEvent, log zerolog.Logger) (int, error) {
	date, err := ledger.ParseDate(evt.SessionDate)
	if err != nil {
		return 0, fmt.Errorf("session date %q: %w", evt.SessionDate, err)
	}
	n, err := backfill.BackfillAbsent(ctx, evt.ClassID, date, evt.ExpiredAt)
	if err != nil {
		return n, err
	}
	log.Info().Int("absent", n).Str("session_date", evt.SessionDate).Msg("absence back-fill complete")
	return n, nil
}

// Worker consumes session expiry events and runs the back-fill for each.
type Worker struct {
	sub      Subscriber
	backfill Backfiller
	logger   zerolog.Logger

	subMu  sync.Mutex
	closer io.Closer
}

// NewWorker constructs a Worker for the provided dependencies.
func NewWorker(sub Subscriber, backfill Backfiller, logger zerolog.Logger) (*Worker, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if backfill == nil {
		return nil, errors.New("backfiller is required")
	}
	return &Worker{sub: sub, backfill: backfill, logger: logger}, nil
}

// Start subscribes to session expiry events and processes them until ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("nil worker")
	}

	closer, err := w.sub.Subscribe(ctx, bus.SubjectSessionExpired, durableName, w.handle)
	if err != nil {
		return err
	}

	w.subMu.Lock()
	w.closer = closer
	w.subMu.Unlock()
	return nil
}

// Close stops the underlying subscription if it was created.
func (w *Worker) Close() error {
	if w == nil {
		return nil
	}

	w.subMu.Lock()
	defer w.subMu.Unlock()

	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// handle returns an error only for failures worth a redelivery. Events
// that can never succeed are logged and acknowledged.
func (w *Worker) handle(ctx context.Context, data []byte) error {
	var evt ExpiredEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		w.logger.Error().Err(err).Msg("drop undecodable session expiry event")
		return nil
	}
	if strings.TrimSpace(evt.ClassID) == "" || evt.SessionDate == "" {
		w.logger.Error().Str("session_id", evt.SessionID).Msg("drop session expiry event without class or date")
		return nil
	}
	if evt.ExpiredAt.IsZero() {
		evt.ExpiredAt = time.Now().UTC()
	}

	log := w.logger.With().Str("session_id", evt.SessionID).Str("class_id", evt.ClassID).Logger()
	_, err := run(ctx, w.backfill, evt, log)
	if err != nil && !errors.Is(err, ledger.ErrStorageUnavailable) {
		log.Error().Err(err).Msg("drop session expiry event")
		return nil
	}
	return err
}
