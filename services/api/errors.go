package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"attendd/pkg/telemetry"
	"attendd/services/biometric"
	"attendd/services/ledger"
	"attendd/services/profiles"
	"attendd/services/ratelimit"
	"attendd/services/sessions"
	"attendd/services/token"
	"attendd/services/verification"
)

// Error codes returned in the "code" field.
const (
	codeInvalidRequest  = "INVALID_REQUEST"
	codeTokenMalformed  = "TOKEN_MALFORMED"
	codeTokenExpired    = "TOKEN_EXPIRED"
	codeFaceMismatch    = "FACE_MISMATCH"
	codeNoFaceProfile   = "NO_FACE_PROFILE"
	codeLowQuality      = "LOW_QUALITY"
	codeRateLimited     = "RATE_LIMITED"
	codeSessionNotFound = "SESSION_NOT_FOUND"
	codeSessionInactive = "SESSION_INACTIVE"
	codeUnavailable     = "SERVICE_UNAVAILABLE"
	codeNoModelLoader   = "MODEL_NOT_CONFIGURED"
	codeTimeout         = "TIMEOUT"
	codeInternal        = "INTERNAL"
)

const unavailableMessage = "Face recognition is temporarily unavailable, please try again"

// respondEngineError translates engine errors into HTTP responses.
// Inference and storage details are logged, never returned.
func (a *API) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		mismatch *verification.MismatchError
		limited  *ratelimit.LimitedError
	)

	switch {
	case errors.As(err, &mismatch):
		respondCode(w, http.StatusForbidden, codeFaceMismatch, "Face verification failed", map[string]any{
			"similarity": round3(mismatch.Similarity),
			"threshold":  mismatch.Threshold,
			"message":    "The captured face does not match the enrolled profile",
		})
	case errors.Is(err, token.ErrMalformed):
		respondCode(w, http.StatusBadRequest, codeTokenMalformed, "Invalid session token", nil)
	case errors.Is(err, token.ErrExpired):
		respondCode(w, http.StatusGone, codeTokenExpired, "Session token has expired", nil)
	case errors.Is(err, profiles.ErrNoFaceProfile):
		respondCode(w, http.StatusNotFound, codeNoFaceProfile, "No face profile enrolled", nil)
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		respondCode(w, http.StatusTooManyRequests, codeRateLimited, "Too many attempts, please wait before retrying", map[string]any{
			"retry_after_seconds": math.Ceil(limited.RetryAfter.Seconds()),
		})
	case errors.Is(err, ratelimit.ErrRateLimited):
		respondCode(w, http.StatusTooManyRequests, codeRateLimited, "Too many attempts, please wait before retrying", nil)
	case errors.Is(err, verification.ErrLowQuality):
		respondCode(w, http.StatusUnprocessableEntity, codeLowQuality, "Capture quality too low, please retake the photo", nil)
	case errors.Is(err, sessions.ErrNotFound):
		respondCode(w, http.StatusNotFound, codeSessionNotFound, "Session not found", nil)
	case errors.Is(err, sessions.ErrInactive):
		respondCode(w, http.StatusConflict, codeSessionInactive, "Session is no longer active", nil)
	case errors.Is(err, verification.ErrInvalidRequest),
		errors.Is(err, profiles.ErrDimensionMismatch),
		errors.Is(err, biometric.ErrDimensionMismatch),
		errors.Is(err, biometric.ErrCaptureFailed):
		respondCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), nil)
	case errors.Is(err, biometric.ErrModelNotReady), errors.Is(err, biometric.ErrInferenceFailed):
		a.logError(r, err, "face pipeline unavailable")
		respondCode(w, http.StatusServiceUnavailable, codeUnavailable, unavailableMessage, nil)
	case errors.Is(err, biometric.ErrNoLoader):
		respondCode(w, http.StatusConflict, codeNoModelLoader, "No inference backend is configured", nil)
	case errors.Is(err, ledger.ErrStorageUnavailable):
		a.logError(r, err, "attendance storage unavailable")
		respondCode(w, http.StatusServiceUnavailable, codeUnavailable, "Attendance storage is temporarily unavailable", nil)
	case errors.Is(err, context.DeadlineExceeded):
		a.logError(r, err, "request timed out")
		respondCode(w, http.StatusGatewayTimeout, codeTimeout, "Request timed out", nil)
	default:
		a.logError(r, err, "unhandled engine error")
		respondCode(w, http.StatusInternalServerError, codeInternal, "Internal error", nil)
	}
}

func (a *API) logError(r *http.Request, err error, msg string) {
	a.logger.Error().
		Err(err).
		Str("path", r.URL.Path).
		Str("trace_id", telemetry.TraceID(r.Context())).
		Msg(msg)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
