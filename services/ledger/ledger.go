package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"attendd/pkg/bus"
)

// conflictRetries bounds how often a write restarts when the conflicting
// row disappears between the failed insert and the follow-up update.
const conflictRetries = 3

// Publisher receives an event for every row the ledger changes.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// RecordedEvent is published on bus.SubjectAttendanceRecorded.
type RecordedEvent struct {
	StudentID   string    `json:"student_id"`
	ClassID     string    `json:"class_id"`
	SessionDate string    `json:"session_date"`
	Timestamp   time.Time `json:"timestamp"`
	Status      Status    `json:"status"`
	Outcome     Outcome   `json:"outcome"`
}

// Ledger turns attendance claims into exactly one row per student, class
// and session date. Concurrent writes for the same key resolve
// last-write-wins.
type Ledger struct {
	store     Store
	publisher Publisher
	logger    zerolog.Logger
}

// New builds a Ledger over store. publisher may be nil.
func New(store Store, publisher Publisher, logger zerolog.Logger) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("attendance store is required")
	}
	return &Ledger{store: store, publisher: publisher, logger: logger}, nil
}

// Record writes rec idempotently. A conflicting row is overwritten with
// rec's status and timestamp unless both are present, in which case the
// write is a no-op reported as OutcomeAlreadyPresent.
func (l *Ledger) Record(ctx context.Context, rec Record) (Outcome, error) {
	rec, err := rec.normalize()
	if err != nil {
		return "", err
	}
	return l.record(ctx, rec, false)
}

func (l *Ledger) record(ctx context.Context, rec Record, keepPresent bool) (Outcome, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err := l.store.Insert(ctx, rec)
		if err == nil {
			l.publish(ctx, rec, OutcomeInserted)
			return OutcomeInserted, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", unavailable(err)
		}

		existing, err := l.store.Find(ctx, rec.Key())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", unavailable(err)
		}

		if existing.Status == StatusPresent {
			if rec.Status == StatusPresent {
				return OutcomeAlreadyPresent, nil
			}
			if keepPresent {
				return OutcomeKept, nil
			}
		}

		err = l.store.Update(ctx, rec)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", unavailable(err)
		}
		l.publish(ctx, rec, OutcomeUpdated)
		return OutcomeUpdated, nil
	}
	return "", fmt.Errorf("%w: row for student %s kept changing", ErrStorageUnavailable, rec.StudentID)
}

func unavailable(err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

func (l *Ledger) publish(ctx context.Context, rec Record, outcome Outcome) {
	if l.publisher == nil {
		return
	}
	evt := RecordedEvent{
		StudentID:   rec.StudentID,
		ClassID:     rec.ClassID,
		SessionDate: DateString(rec.SessionDate),
		Timestamp:   rec.Timestamp,
		Status:      rec.Status,
		Outcome:     outcome,
	}
	if err := l.publisher.Publish(ctx, bus.SubjectAttendanceRecorded, evt); err != nil {
		l.logger.Warn().Err(err).
			Str("student_id", rec.StudentID).
			Str("class_id", rec.ClassID).
			Msg("publish attendance event")
	}
}

// Entry is one student's status within a batch.
type Entry struct {
	StudentID string `json:"student_id"`
	Status    Status `json:"status"`
}

// Result is the per-student outcome of a batch write.
type Result struct {
	StudentID string  `json:"student_id"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Err       error   `json:"-"`
}

// RecordBatch writes entries for one class session. It tries a single
// bulk insert first and falls back to Record for every entry if that
// fails, so one conflicting row never blocks the rest. The returned error
// joins every per-entry failure.
func (l *Ledger) RecordBatch(ctx context.Context, classID string, sessionDate, ts time.Time, entries []Entry) ([]Result, error) {
	return l.recordBatch(ctx, classID, sessionDate, ts, entries, false)
}

func (l *Ledger) recordBatch(ctx context.Context, classID string, sessionDate, ts time.Time, entries []Entry, keepPresent bool) ([]Result, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	recs := make([]Record, len(entries))
	for i, e := range entries {
		rec, err := Record{
			StudentID:   e.StudentID,
			ClassID:     classID,
			SessionDate: sessionDate,
			Timestamp:   ts,
			Status:      e.Status,
		}.normalize()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		recs[i] = rec
	}

	results := make([]Result, len(recs))
	err := l.store.InsertBatch(ctx, recs)
	if err == nil {
		for i, rec := range recs {
			results[i] = Result{StudentID: rec.StudentID, Outcome: OutcomeInserted}
			l.publish(ctx, rec, OutcomeInserted)
		}
		return results, nil
	}
	if !errors.Is(err, ErrConflict) {
		l.logger.Warn().Err(err).Str("class_id", classID).Int("entries", len(recs)).
			Msg("bulk attendance insert failed, retrying per record")
	}

	var errs []error
	for i, rec := range recs {
		outcome, err := l.record(ctx, rec, keepPresent)
		results[i] = Result{StudentID: rec.StudentID, Outcome: outcome, Err: err}
		if err != nil {
			errs = append(errs, fmt.Errorf("student %s: %w", rec.StudentID, err))
		}
	}
	return results, errors.Join(errs...)
}

// Enroll adds students to a class roster.
func (l *Ledger) Enroll(ctx context.Context, classID string, studentIDs []string) error {
	if classID == "" {
		return errors.New("class id is required")
	}
	if err := l.store.Enroll(ctx, classID, studentIDs); err != nil {
		return unavailable(err)
	}
	return nil
}

// BackfillAbsent marks every enrolled student without a row for the
// class and date as absent, and returns how many rows it wrote. Rows
// already marked present are never downgraded.
func (l *Ledger) BackfillAbsent(ctx context.Context, classID string, sessionDate, ts time.Time) (int, error) {
	enrolled, err := l.store.Enrolled(ctx, classID)
	if err != nil {
		return 0, unavailable(err)
	}
	recorded, err := l.store.Recorded(ctx, classID, sessionDate)
	if err != nil {
		return 0, unavailable(err)
	}

	done := make(map[string]struct{}, len(recorded))
	for _, id := range recorded {
		done[id] = struct{}{}
	}
	var entries []Entry
	for _, id := range enrolled {
		if _, ok := done[id]; ok {
			continue
		}
		entries = append(entries, Entry{StudentID: id, Status: StatusAbsent})
	}
	if len(entries) == 0 {
		return 0, nil
	}

	results, err := l.recordBatch(ctx, classID, sessionDate, ts, entries, true)
	written := 0
	for _, r := range results {
		if r.Outcome == OutcomeInserted || r.Outcome == OutcomeUpdated {
			written++
		}
	}

	l.logger.Info().
		Str("class_id", classID).
		Str("session_date", DateString(sessionDate)).
		Int("enrolled", len(enrolled)).
		Int("absent", written).
		Msg("absence back-fill")

	return written, err
}
