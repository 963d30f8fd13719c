package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"attendd/services/sessions"
	"attendd/services/token"
)

type tokenResponse struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	Session  sessions.Session `json:"session"`
	Token    *tokenResponse   `json:"token,omitempty"`
	Recorded []string         `json:"recorded,omitempty"`
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClassID string `json:"class_id"`
		Kind    string `json:"kind"`
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
	if req.Kind == "" {
		req.Kind = string(sessions.KindQR)
	}
	kind, err := sessions.ParseKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if kind.Expires() && strings.Contains(req.ClassID, "_") {
		respondError(w, http.StatusBadRequest, fmt.Errorf("class_id %q must not contain '_' for %s sessions", req.ClassID, kind))
		return
	}

	sess, err := a.sessions.Open(req.ClassID, kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	resp := sessionResponse{Session: sess}
	if kind.Expires() {
		tok, err := a.issueToken(sess)
		if err != nil {
			a.logError(r, err, "render session token")
			respondError(w, http.StatusInternalServerError, errors.New("could not render session token"))
			return
		}
		resp.Token = tok
	}

	respondJSON(w, http.StatusCreated, resp)
}

func (a *API) issueToken(sess sessions.Session) (*tokenResponse, error) {
	tok, err := a.codec.Encode(token.Source{ClassID: sess.ClassID, SessionID: sess.ID, CreatedAt: sess.CreatedAt})
	if err != nil {
		return nil, err
	}
	expires := tok.ExpiresAt
	if !sess.ExpiresAt.IsZero() {
		expires = sess.ExpiresAt
	}
	return &tokenResponse{Value: tok.Value, ExpiresAt: expires}, nil
}

func (a *API) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	classID := strings.TrimSpace(r.URL.Query().Get("class_id"))
	if classID == "" {
		respondError(w, http.StatusBadRequest, errors.New("class_id is required"))
		return
	}

	var kinds []sessions.Kind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind, err := sessions.ParseKind(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		kinds = append(kinds, kind)
	}

	sess, ok := a.sessions.Active(classID, kinds...)
	if !ok {
		respondCode(w, http.StatusNotFound, codeSessionNotFound, fmt.Sprintf("no active session for class %s", classID), nil)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := a.sessions.Get(id)
	if !ok {
		a.respondEngineError(w, r, sessions.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, Recorded: a.sessions.Recorded(id)})
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.End(chi.URLParam(r, "id"))
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

// handleIssueToken rotates the QR code of an active session, pushing its
// expiry out by a full window.
func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := a.sessions.Refresh(id)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	if !sess.Kind.Expires() {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%s sessions do not use tokens", sess.Kind))
		return
	}

	tok, err := a.issueToken(sess)
	if err != nil {
		a.logError(r, err, "render session token")
		respondError(w, http.StatusInternalServerError, errors.New("could not render session token"))
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, Token: tok})
}
