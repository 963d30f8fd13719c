package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"attendd/services/verification"
)

// decodeBase64Image accepts raw base64 or a data URL.
func decodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		_, payload, ok := strings.Cut(s, ",")
		if !ok {
			return nil, errors.New("malformed data URL")
		}
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("image is not valid base64: %w", err)
	}
	return data, nil
}

func (a *API) handleFaceEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID  string      `json:"student_id"`
		Embeddings [][]float32 `json:"embeddings"`
		Images     []string    `json:"images"`
		Replace    bool        `json:"replace"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	images := make([][]byte, 0, len(req.Images))
	for i, raw := range req.Images {
		data, err := decodeBase64Image(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("images[%d]: %w", i, err))
			return
		}
		images = append(images, data)
	}

	ctx, cancel := context.WithTimeout(r.Context(), faceTimeout)
	defer cancel()

	res, err := a.verify.Enroll(ctx, verification.EnrollRequest{
		StudentID:  req.StudentID,
		Embeddings: req.Embeddings,
		Images:     images,
		Replace:    req.Replace,
	})
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) handleFaceDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.verify.DeleteProfile(ctx, chi.URLParam(r, "studentID")); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleModelReload starts a background reload; readiness reflects the
// outcome.
func (a *API) handleModelReload(w http.ResponseWriter, r *http.Request) {
	if err := a.verify.ReloadModel(r.Context()); err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reloading"})
}

func (a *API) handleFaceVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StudentID   string                    `json:"student_id"`
		ClassID     string                    `json:"class_id"`
		Embedding   []float32                 `json:"embedding"`
		Image       string                    `json:"image"`
		SessionInfo *verification.SessionInfo `json:"session_info"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	freq := verification.FaceRequest{
		StudentID:  req.StudentID,
		ClassField: req.ClassID,
		Embedding:  req.Embedding,
		Session:    req.SessionInfo,
	}
	if len(req.Embedding) == 0 && req.Image != "" {
		img, err := decodeCapture(req.Image)
		if err != nil {
			a.respondEngineError(w, r, err)
			return
		}
		freq.Image = img
	}

	ctx, cancel := context.WithTimeout(r.Context(), faceTimeout)
	defer cancel()

	res, err := a.verify.VerifyFace(ctx, freq)
	if err != nil {
		a.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func decodeCapture(raw string) (image.Image, error) {
	data, err := decodeBase64Image(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", verification.ErrInvalidRequest, err)
	}
	img, _, err := verification.DecodeImage(data)
	return img, err
}
