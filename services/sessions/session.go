package sessions

import (
	"fmt"
	"strings"
	"time"
)

// Kind is how attendance is taken in a session.
type Kind string

const (
	KindQR     Kind = "qr"
	KindManual Kind = "manual"
	KindHybrid Kind = "hybrid"
)

// ParseKind normalises s into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown session kind %q", s)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	switch k {
	case KindQR, KindManual, KindHybrid:
		return true
	default:
		return false
	}
}

// Expires reports whether sessions of this kind carry a QR expiry.
func (k Kind) Expires() bool {
	return k == KindQR || k == KindHybrid
}

// State is a session's lifecycle position. Ended and expired are terminal.
type State string

const (
	StateActive  State = "active"
	StateEnded   State = "ended"
	StateExpired State = "expired"
)

// Session is one attendance-taking window for a class.
type Session struct {
	ID        string    `json:"session_id"`
	ClassID   string    `json:"class_id"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is the QR expiration instant; zero for manual sessions.
	ExpiresAt time.Time `json:"qr_expiration,omitempty"`
	Kind      Kind      `json:"kind"`
	Active    bool      `json:"active"`
	State     State     `json:"state"`
}

// Date is the calendar date attendance rows for this session are keyed on.
func (s Session) Date() time.Time {
	return SessionDate(s.CreatedAt)
}

// SessionDate truncates t to its UTC calendar date.
func SessionDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
