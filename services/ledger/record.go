package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the attendance outcome stored for a student.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// ParseStatus normalises s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPresent, StatusAbsent:
		return st, nil
	default:
		return "", fmt.Errorf("unknown attendance status %q", s)
	}
}

// Outcome says what a write did to the stored row.
type Outcome string

const (
	OutcomeInserted       Outcome = "inserted"
	OutcomeUpdated        Outcome = "updated"
	OutcomeAlreadyPresent Outcome = "already_present"
	// OutcomeKept is reported by the absence back-fill when a student was
	// already marked present and the row was left alone.
	OutcomeKept Outcome = "kept"
)

const dateLayout = "2006-01-02"

// Record is one attendance row. At most one exists per Key.
type Record struct {
	StudentID   string    `json:"student_id"`
	ClassID     string    `json:"class_id"`
	SessionDate time.Time `json:"session_date"`
	Timestamp   time.Time `json:"timestamp"`
	Status      Status    `json:"status"`
}

// Key is the storage-level uniqueness key of a Record.
type Key struct {
	StudentID   string
	ClassID     string
	SessionDate string
}

// Key returns the record's uniqueness key.
func (r Record) Key() Key {
	return Key{StudentID: r.StudentID, ClassID: r.ClassID, SessionDate: DateString(r.SessionDate)}
}

func (r Record) normalize() (Record, error) {
	r.StudentID = strings.TrimSpace(r.StudentID)
	r.ClassID = strings.TrimSpace(r.ClassID)
	if r.StudentID == "" {
		return r, errors.New("student id is required")
	}
	if r.ClassID == "" {
		return r, errors.New("class id is required")
	}
	if r.Timestamp.IsZero() {
		return r, errors.New("timestamp is required")
	}
	if r.Status != StatusPresent && r.Status != StatusAbsent {
		return r, fmt.Errorf("unknown attendance status %q", r.Status)
	}
	if r.SessionDate.IsZero() {
		r.SessionDate = r.Timestamp
	}
	r.SessionDate = Date(r.SessionDate)
	r.Timestamp = r.Timestamp.UTC()
	return r, nil
}

// Date truncates t to its UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateString formats t's UTC calendar date as YYYY-MM-DD.
func DateString(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// ParseDate parses a YYYY-MM-DD session date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, strings.TrimSpace(s))
}
