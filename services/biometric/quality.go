package biometric

import "math"

const (
	sparsityEpsilon = 0.01

	magnitudeWeight  = 0.3
	varianceWeight   = 0.3
	sparsityWeight   = 0.2
	activationWeight = 0.2
)

// L2Normalize returns a unit-length copy of v and the original norm. A
// zero-norm (or non-finite) vector is returned unchanged as a copy.
func L2Normalize(v []float32) ([]float32, float64) {
	norm := l2Norm(v)
	out := make([]float32, len(v))
	copy(out, v)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return out, norm
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out, norm
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Quality scores an embedding in [0,1] from four signals: how close its
// norm is to one, its variance, how few near-zero components it has, and
// its peak activation. Each signal is clamped before weighting.
func Quality(v []float32, varianceScale, activationScale float64) float64 {
	if len(v) == 0 {
		return 0
	}

	var (
		sum      float64
		sumSq    float64
		peak     float64
		nearZero int
	)
	for _, x := range v {
		f := float64(x)
		sum += f
		sumSq += f * f
		abs := math.Abs(f)
		if abs > peak {
			peak = abs
		}
		if abs < sparsityEpsilon {
			nearZero++
		}
	}
	n := float64(len(v))
	mean := sum / n
	variance := sumSq/n - mean*mean

	magnitude := clamp01(math.Min(math.Sqrt(sumSq), 1))
	varianceScore := clamp01(variance * varianceScale)
	sparsity := clamp01(1 - float64(nearZero)/n)
	activation := clamp01(peak * activationScale)

	return clamp01(magnitudeWeight*magnitude +
		varianceWeight*varianceScore +
		sparsityWeight*sparsity +
		activationWeight*activation)
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
