package verification

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"attendd/services/biometric"
	"attendd/services/ledger"
	"attendd/services/profiles"
	"attendd/services/sessions"
	"attendd/services/token"
)

// SessionInfo is the optional session context a capture client sends
// alongside a face verification.
type SessionInfo struct {
	SessionID       string    `json:"sessionId"`
	SessionDate     string    `json:"sessionDate"`
	SessionDateTime time.Time `json:"sessionDateTime"`
}

// FaceRequest asks to mark StudentID present by face. Exactly one of
// Embedding and Image is used; Embedding wins when both are set.
type FaceRequest struct {
	StudentID string
	// ClassField is the submitted class id, possibly carrying the
	// <classId>:<epochMillis>:FACE_VERIFICATION marker.
	ClassField string
	Embedding  []float32
	Image      image.Image
	Session    *SessionInfo
}

// FaceResult is returned for an accepted verification.
type FaceResult struct {
	Success          bool           `json:"success"`
	Message          string         `json:"message"`
	Similarity       float64        `json:"similarity"`
	Threshold        float64        `json:"threshold"`
	SessionTimestamp time.Time      `json:"sessionTimestamp"`
	Outcome          ledger.Outcome `json:"outcome"`
	Quality          float64        `json:"quality"`
}

// faceTarget is the session a verification is recorded against.
type faceTarget struct {
	classID   string
	sessionID string
	date      time.Time
	timestamp time.Time
}

// VerifyFace authorizes a face attendance claim and writes it to the ledger.
func (s *Service) VerifyFace(ctx context.Context, req FaceRequest) (FaceResult, error) {
	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		return FaceResult{}, invalid("student id is required")
	}
	if len(req.Embedding) == 0 && req.Image == nil {
		return FaceResult{}, invalid("an embedding or an image is required")
	}

	target, err := s.resolveFaceTarget(req)
	if err != nil {
		return FaceResult{}, err
	}

	if err := s.allow(ctx, flowFace, studentID); err != nil {
		return FaceResult{}, err
	}

	emb, err := s.embed(ctx, req.Embedding, req.Image)
	if err != nil {
		s.metrics.attempt(flowFace, "capture_error")
		return FaceResult{}, err
	}
	s.metrics.observeQuality(emb.Quality)
	if err := s.checkQuality(emb.Quality); err != nil {
		s.metrics.attempt(flowFace, "low_quality")
		return FaceResult{}, err
	}

	profile, err := s.profiles.Get(ctx, studentID)
	if err != nil {
		if errors.Is(err, profiles.ErrNoFaceProfile) {
			s.metrics.attempt(flowFace, "no_profile")
		}
		return FaceResult{}, err
	}

	decision, err := s.matcher.Decide(emb.Vector, profile.Embeddings)
	if err != nil {
		if errors.Is(err, biometric.ErrDimensionMismatch) {
			return FaceResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return FaceResult{}, err
	}
	s.metrics.observeSimilarity(decision.Similarity)

	log := s.logger.With().
		Str("flow", flowFace).
		Str("student_id", studentID).
		Str("class_id", target.classID).
		Float64("similarity", decision.Similarity).
		Float64("quality", emb.Quality).
		Logger()

	if !decision.Accepted {
		s.metrics.attempt(flowFace, "mismatch")
		log.Info().Bool("accepted", false).Msg("face verification rejected")
		return FaceResult{}, &MismatchError{Similarity: decision.Similarity, Threshold: decision.Threshold}
	}

	outcome, err := s.record(ctx, flowFace, ledger.Record{
		StudentID:   studentID,
		ClassID:     target.classID,
		SessionDate: target.date,
		Timestamp:   s.now(),
		Status:      ledger.StatusPresent,
	}, target.sessionID)
	if err != nil {
		return FaceResult{}, err
	}

	s.metrics.attempt(flowFace, "accepted")
	log.Info().Bool("accepted", true).Str("outcome", string(outcome)).Msg("face verification accepted")

	return FaceResult{
		Success:          true,
		Message:          outcomeMessage(outcome),
		Similarity:       decision.Similarity,
		Threshold:        decision.Threshold,
		SessionTimestamp: target.timestamp,
		Outcome:          outcome,
		Quality:          emb.Quality,
	}, nil
}

// resolveFaceTarget works out which class, session and date a face claim
// belongs to. Explicit session info wins over the class field marker,
// which wins over the class's active session; the current date is the
// last resort.
func (s *Service) resolveFaceTarget(req FaceRequest) (faceTarget, error) {
	classID, markerTS, marked := token.SplitVerificationMarker(req.ClassField)
	if classID == "" {
		return faceTarget{}, invalid("class id is required")
	}
	t := faceTarget{classID: classID}

	if info := req.Session; info != nil {
		t.sessionID = strings.TrimSpace(info.SessionID)
		if !info.SessionDateTime.IsZero() {
			t.timestamp = info.SessionDateTime
			t.date = sessions.SessionDate(info.SessionDateTime)
		}
		if info.SessionDate != "" {
			d, err := ledger.ParseDate(info.SessionDate)
			if err != nil {
				return faceTarget{}, invalid("session date %q is not YYYY-MM-DD", info.SessionDate)
			}
			t.date = d
		}
	}
	if marked && t.timestamp.IsZero() {
		t.timestamp = markerTS
		if t.date.IsZero() {
			t.date = sessions.SessionDate(markerTS)
		}
	}

	if t.sessionID == "" {
		if sess, ok := s.sessions.Active(classID, sessions.KindQR, sessions.KindHybrid); ok {
			t.sessionID = sess.ID
			if t.timestamp.IsZero() {
				t.timestamp = sess.CreatedAt
			}
			if t.date.IsZero() {
				t.date = sess.Date()
			}
		}
	}

	if t.timestamp.IsZero() {
		t.timestamp = s.now()
	}
	if t.date.IsZero() {
		t.date = sessions.SessionDate(t.timestamp)
	}
	return t, nil
}

// embed prefers a client-computed vector and otherwise runs the pipeline.
func (s *Service) embed(ctx context.Context, vector []float32, img image.Image) (biometric.Embedding, error) {
	if len(vector) > 0 {
		emb, err := s.pipeline.Normalize(vector)
		if err != nil {
			return biometric.Embedding{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return emb, nil
	}
	return s.pipeline.Extract(ctx, img)
}

func (s *Service) checkQuality(q float64) error {
	if s.cfg.MinQuality > 0 && q < s.cfg.MinQuality {
		return fmt.Errorf("%w: %.3f < %.3f", ErrLowQuality, q, s.cfg.MinQuality)
	}
	return nil
}

func outcomeMessage(o ledger.Outcome) string {
	if o == ledger.OutcomeAlreadyPresent {
		return "Attendance already recorded"
	}
	return "Attendance marked successfully"
}
