package verification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"attendd/services/ledger"
	"attendd/services/sessions"
	"attendd/services/token"
)

// ScanResult is returned for a redeemed session token.
type ScanResult struct {
	Success          bool           `json:"success"`
	Message          string         `json:"message"`
	ClassID          string         `json:"class_id"`
	SessionID        string         `json:"session_id"`
	SessionTimestamp time.Time      `json:"sessionTimestamp"`
	Outcome          ledger.Outcome `json:"outcome"`
}

// RedeemToken marks studentID present for the session raw was rendered
// from. The deadline always comes from the store: a token naming a session
// the store does not hold, legacy tokens included, is checked against the
// live QR or hybrid session of its class.
func (s *Service) RedeemToken(ctx context.Context, raw, studentID string) (ScanResult, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return ScanResult{}, invalid("student id is required")
	}

	p, err := token.Decode(raw)
	if err == nil && !p.Valid {
		err = token.ErrMalformed
	}
	if err != nil {
		s.metrics.attempt(flowScan, "malformed")
		return ScanResult{}, err
	}

	sessionDate, expiresAt, sessionID, err := s.resolveTokenSession(p)
	if err != nil {
		return ScanResult{}, err
	}
	if err := token.CheckExpiry(expiresAt, s.now()); err != nil {
		s.metrics.attempt(flowScan, "expired")
		return ScanResult{}, err
	}

	if err := s.allow(ctx, flowScan, studentID); err != nil {
		return ScanResult{}, err
	}

	outcome, err := s.record(ctx, flowScan, ledger.Record{
		StudentID:   studentID,
		ClassID:     p.ClassID,
		SessionDate: sessionDate,
		Timestamp:   s.now(),
		Status:      ledger.StatusPresent,
	}, sessionID)
	if err != nil {
		return ScanResult{}, err
	}

	s.metrics.attempt(flowScan, "accepted")
	s.logger.Info().
		Str("flow", flowScan).
		Str("student_id", studentID).
		Str("class_id", p.ClassID).
		Bool("legacy", p.Legacy).
		Str("outcome", string(outcome)).
		Msg("token redeemed")

	return ScanResult{
		Success:          true,
		Message:          outcomeMessage(outcome),
		ClassID:          p.ClassID,
		SessionID:        p.SessionID,
		SessionTimestamp: p.SessionTimestamp,
		Outcome:          outcome,
	}, nil
}

// resolveTokenSession returns the session date, the redemption deadline
// and the id of the live session to mark. The token timestamp is never
// trusted as a deadline.
func (s *Service) resolveTokenSession(p token.Payload) (time.Time, time.Time, string, error) {
	sess, ok := s.sessions.Get(p.SessionID)
	if !ok {
		sess, ok = s.sessions.Active(p.ClassID, sessions.KindQR, sessions.KindHybrid)
		if !ok {
			s.metrics.attempt(flowScan, "expired")
			return time.Time{}, time.Time{}, "", fmt.Errorf("%w: no live session for class %s", token.ErrExpired, p.ClassID)
		}
	}

	switch {
	case sess.ClassID != p.ClassID:
		s.metrics.attempt(flowScan, "malformed")
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: token class does not match session", token.ErrMalformed)
	case !sess.Kind.Expires():
		return time.Time{}, time.Time{}, "", invalid("session %s does not accept token scans", sess.ID)
	case !sess.Active:
		s.metrics.attempt(flowScan, "expired")
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: session %s", token.ErrExpired, sess.State)
	}
	return sess.Date(), sess.ExpiresAt, sess.ID, nil
}
