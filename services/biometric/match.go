package biometric

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the cosine similarity a live capture needs to match
// its profile when none is configured.
const DefaultThreshold = 0.6

var (
	ErrEmptyReferenceSet = errors.New("reference set is empty")
	ErrDimensionMismatch = errors.New("embedding dimensions differ")
)

// AverageEmbeddings returns the L2-normalized componentwise mean of set.
// Inputs are expected to be normalized already and are not rescaled first.
func AverageEmbeddings(set [][]float32) ([]float32, error) {
	if len(set) == 0 {
		return nil, ErrEmptyReferenceSet
	}
	dim := len(set[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: reference 0 is empty", ErrDimensionMismatch)
	}

	sum := make([]float64, dim)
	for i, v := range set {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: reference %d has %d values, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	mean := make([]float32, dim)
	n := float64(len(set))
	for j := range sum {
		mean[j] = float32(sum[j] / n)
	}
	normalized, _ := L2Normalize(mean)
	return normalized, nil
}

// CosineSimilarity returns dot(a,b)/(|a||b|) clamped to [-1,1]. Zero
// vectors and vectors of different length have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case math.IsNaN(sim):
		return 0
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

// Decision is the verdict for one live embedding.
type Decision struct {
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Accepted   bool    `json:"accepted"`
}

// Matcher accepts a live embedding when its similarity to the profile's
// reference embedding reaches Threshold.
type Matcher struct {
	Threshold float64
}

// NewMatcher validates threshold, which must lie in (0, 1].
func NewMatcher(threshold float64) (Matcher, error) {
	if !(threshold > 0 && threshold <= 1) {
		return Matcher{}, fmt.Errorf("match threshold must be in (0,1], got %v", threshold)
	}
	return Matcher{Threshold: threshold}, nil
}

// Decide compares live with the mean of refs. The similarity is reported
// on rejection too.
func (m Matcher) Decide(live []float32, refs [][]float32) (Decision, error) {
	reference, err := AverageEmbeddings(refs)
	if err != nil {
		return Decision{}, err
	}
	if len(live) != len(reference) {
		return Decision{}, fmt.Errorf("%w: live embedding has %d values, profile has %d", ErrDimensionMismatch, len(live), len(reference))
	}

	sim := CosineSimilarity(live, reference)
	return Decision{
		Similarity: sim,
		Threshold:  m.Threshold,
		Accepted:   sim >= m.Threshold,
	}, nil
}
