package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"attendd/services/ledger"
)

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token     string `json:"token"`
		StudentID string `json:"student_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.verify.RedeemToken(ctx, req.Token, req.StudentID)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type batchResult struct {
	StudentID string         `json:"student_id"`
	Outcome   ledger.Outcome `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// handleBatch records a manual roll call. Per-student failures are
// reported alongside the successes with 207.
func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClassID     string         `json:"class_id"`
		SessionDate string         `json:"session_date"`
		Timestamp   time.Time      `json:"timestamp"`
		Entries     []ledger.Entry `json:"entries"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.ClassID = strings.TrimSpace(req.ClassID)
	if req.ClassID == "" {
		respondError(w, http.StatusBadRequest, errors.New("class_id is required"))
		return
	}
	if len(req.Entries) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("entries are required"))
		return
	}
	for i, e := range req.Entries {
		if strings.TrimSpace(e.StudentID) == "" {
			respondError(w, http.StatusBadRequest, fmt.Errorf("entries[%d]: student_id is required", i))
			return
		}
		status, err := ledger.ParseStatus(string(e.Status))
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("entries[%d]: %w", i, err))
			return
		}
		req.Entries[i].Status = status
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	sessionDate := ledger.Date(req.Timestamp)
	if req.SessionDate != "" {
		d, err := ledger.ParseDate(req.SessionDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("session_date must be YYYY-MM-DD: %w", err))
			return
		}
		sessionDate = d
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	results, err := a.ledger.RecordBatch(ctx, req.ClassID, sessionDate, req.Timestamp, req.Entries)
	if err != nil && len(results) == 0 {
		a.respondEngineError(w, r, err)
		return
	}

	status := http.StatusOK
	out := make([]batchResult, len(results))
	for i, res := range results {
		out[i] = batchResult{StudentID: res.StudentID, Outcome: res.Outcome}
		if res.Err != nil {
			status = http.StatusMultiStatus
			out[i].Error = res.Err.Error()
			if errors.Is(res.Err, ledger.ErrStorageUnavailable) {
				out[i].Error = "storage unavailable"
			}
		}
	}
	if status != http.StatusOK {
		a.logError(r, err, "partial attendance batch")
	}
	respondJSON(w, status, map[string]any{
		"class_id":     req.ClassID,
		"session_date": ledger.DateString(sessionDate),
		"results":      out,
	})
}

func (a *API) handleEnrollRoster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentIDs []string `json:"student_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	classID := chi.URLParam(r, "id")
	ids := make([]string, 0, len(req.StudentIDs))
	for _, id := range req.StudentIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("student_ids are required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.ledger.Enroll(ctx, classID, ids); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"class_id": classID, "enrolled": len(ids)})
}

func (a *API) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.verify.ResetAttempts(ctx, chi.URLParam(r, "identity")); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
