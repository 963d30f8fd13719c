package biometric

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/image/draw"
)

// Interpolation selects the resampler used to bring captures to the model's
// input size.
type Interpolation string

const (
	InterpNearest        Interpolation = "nearest"
	InterpApproxBiLinear Interpolation = "approxbilinear"
	InterpBiLinear       Interpolation = "bilinear"
	InterpCatmullRom     Interpolation = "catmullrom"
)

// ParseInterpolation accepts the names above case-insensitively, plus
// "approx-bilinear" and "catmull-rom".
func ParseInterpolation(s string) (Interpolation, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "")
	interp := Interpolation(normalized)
	if _, err := interp.scaler(); err != nil {
		return "", err
	}
	return interp, nil
}

func (i Interpolation) scaler() (draw.Scaler, error) {
	switch i {
	case InterpNearest:
		return draw.NearestNeighbor, nil
	case InterpApproxBiLinear:
		return draw.ApproxBiLinear, nil
	case InterpBiLinear:
		return draw.BiLinear, nil
	case InterpCatmullRom:
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown interpolation %q", string(i))
	}
}

// ModelConfig describes the input and output contract of the embedding
// model. It is fixed once a Pipeline is built; Pipeline.Config returns a copy.
type ModelConfig struct {
	// InputSize is the side of the square the capture is resampled to.
	InputSize int
	// Mean and Std are per-channel (R, G, B) constants applied after scaling
	// pixels to [0,1].
	Mean [3]float32
	Std  [3]float32
	// EmbeddingDim is the length of the vector the model returns.
	EmbeddingDim  int
	Interpolation Interpolation
	// VarianceScale and ActivationScale tune the variance and peak-activation
	// terms of the quality score.
	VarianceScale   float64
	ActivationScale float64
}

// DefaultModelConfig matches the 112x112 ArcFace-style models the service
// ships with.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		InputSize:       112,
		Mean:            [3]float32{0.5, 0.5, 0.5},
		Std:             [3]float32{0.5, 0.5, 0.5},
		EmbeddingDim:    512,
		Interpolation:   InterpBiLinear,
		VarianceScale:   1000,
		ActivationScale: 10,
	}
}

// Validate reports every invalid field at once.
func (c ModelConfig) Validate() error {
	var errs []error
	if c.InputSize <= 0 {
		errs = append(errs, fmt.Errorf("input size must be positive, got %d", c.InputSize))
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDim))
	}
	for ch := range c.Std {
		std := float64(c.Std[ch])
		if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
			errs = append(errs, fmt.Errorf("std[%d] must be a non-zero finite value", ch))
		}
		mean := float64(c.Mean[ch])
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			errs = append(errs, fmt.Errorf("mean[%d] must be finite", ch))
		}
	}
	if _, err := c.Interpolation.scaler(); err != nil {
		errs = append(errs, err)
	}
	if !(c.VarianceScale > 0) {
		errs = append(errs, errors.New("variance scale must be positive"))
	}
	if !(c.ActivationScale > 0) {
		errs = append(errs, errors.New("activation scale must be positive"))
	}
	return errors.Join(errs...)
}
