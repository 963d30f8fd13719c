package verification

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"

	"attendd/services/biometric"
	"attendd/services/profiles"
)

// EnrollRequest adds reference embeddings to StudentID's profile. Images
// are run through the pipeline; Embeddings are taken as computed by the
// client and only normalized.
type EnrollRequest struct {
	StudentID  string
	Embeddings [][]float32
	Images     [][]byte
	Replace    bool
}

// EnrollResult describes the profile after enrollment.
type EnrollResult struct {
	Profile   profiles.Profile `json:"profile"`
	Qualities []float64        `json:"qualities"`
	Archived  []string         `json:"archived,omitempty"`
}

// DecodeImage decodes a JPEG, PNG or WebP capture.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", biometric.ErrCaptureFailed)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode image: %w", biometric.ErrCaptureFailed, err)
	}
	return img, format, nil
}

// Enroll validates and normalizes the submitted captures and stores them.
// Nothing is stored unless every capture passes.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (EnrollResult, error) {
	studentID := strings.TrimSpace(req.StudentID)
	if studentID == "" {
		return EnrollResult{}, invalid("student id is required")
	}
	if len(req.Embeddings) == 0 && len(req.Images) == 0 {
		return EnrollResult{}, invalid("at least one embedding or image is required")
	}

	var (
		vectors   = make([][]float32, 0, len(req.Embeddings)+len(req.Images))
		qualities = make([]float64, 0, cap(vectors))
		formats   = make([]string, len(req.Images))
	)
	accept := func(i int, emb biometric.Embedding) error {
		s.metrics.observeQuality(emb.Quality)
		if err := s.checkQuality(emb.Quality); err != nil {
			return fmt.Errorf("capture %d: %w", i, err)
		}
		vectors = append(vectors, emb.Vector)
		qualities = append(qualities, emb.Quality)
		return nil
	}

	for i, raw := range req.Embeddings {
		if len(raw) == 0 {
			return EnrollResult{}, invalid("embedding %d is empty", i)
		}
		emb, err := s.pipeline.Normalize(raw)
		if err != nil {
			s.metrics.attempt(flowEnroll, "invalid")
			return EnrollResult{}, fmt.Errorf("%w: embedding %d: %w", ErrInvalidRequest, i, err)
		}
		if err := accept(i, emb); err != nil {
			s.metrics.attempt(flowEnroll, "low_quality")
			return EnrollResult{}, err
		}
	}
	for i, data := range req.Images {
		img, format, err := DecodeImage(data)
		if err != nil {
			s.metrics.attempt(flowEnroll, "capture_error")
			return EnrollResult{}, fmt.Errorf("%w: image %d: %w", ErrInvalidRequest, i, err)
		}
		formats[i] = format
		emb, err := s.pipeline.Extract(ctx, img)
		if err != nil {
			s.metrics.attempt(flowEnroll, "capture_error")
			return EnrollResult{}, err
		}
		if err := accept(len(req.Embeddings)+i, emb); err != nil {
			s.metrics.attempt(flowEnroll, "low_quality")
			return EnrollResult{}, err
		}
	}

	profile, err := s.profiles.Save(ctx, studentID, vectors, req.Replace)
	if err != nil {
		s.metrics.attempt(flowEnroll, "error")
		return EnrollResult{}, err
	}
	s.metrics.attempt(flowEnroll, "accepted")

	archived := s.archive(ctx, studentID, req.Images, formats)

	s.logger.Info().
		Str("flow", flowEnroll).
		Str("student_id", studentID).
		Int("added", len(vectors)).
		Int("total", len(profile.Embeddings)).
		Bool("replace", req.Replace).
		Msg("face profile enrolled")

	return EnrollResult{Profile: profile, Qualities: qualities, Archived: archived}, nil
}

// archive uploads the raw enrollment images. Failures are logged and the
// image is left out of the returned keys; the profile is already stored.
func (s *Service) archive(ctx context.Context, studentID string, images [][]byte, formats []string) []string {
	if s.archiver == nil || s.cfg.CaptureBucket == "" || len(images) == 0 {
		return nil
	}
	stamp := s.now().UTC().Format("20060102T150405.000000000")
	var keys []string
	for i, data := range images {
		key := fmt.Sprintf("enrollments/%s/%s-%d.%s", studentID, stamp, i, formats[i])
		if err := s.archiver.PutObject(ctx, s.cfg.CaptureBucket, key, "image/"+formats[i], data); err != nil {
			s.logger.Warn().Err(err).Str("student_id", studentID).Str("key", key).Msg("archive enrollment image")
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
