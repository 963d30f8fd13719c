package biometric

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

const tolerance = 1e-5

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestCosineSimilarityProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a := randomVector(r, 64)
		b := randomVector(r, 64)

		ab := CosineSimilarity(a, b)
		ba := CosineSimilarity(b, a)
		if ab != ba {
			t.Fatalf("similarity not symmetric: %v vs %v", ab, ba)
		}
		if ab < -1 || ab > 1 {
			t.Fatalf("similarity %v out of range", ab)
		}

		unit, _ := L2Normalize(a)
		if self := CosineSimilarity(unit, unit); math.Abs(self-1) > tolerance {
			t.Fatalf("self similarity = %v, want 1", self)
		}
	}
}

func TestCosineSimilarityDegenerate(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "zero left", a: []float32{0, 0, 0}, b: []float32{1, 2, 3}, want: 0},
		{name: "zero both", a: []float32{0, 0}, b: []float32{0, 0}, want: 0},
		{name: "length mismatch", a: []float32{1, 0}, b: []float32{1, 0, 0}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-2, 0}, want: -1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 5}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.IsNaN(got) || math.Abs(got-tt.want) > tolerance {
				t.Fatalf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAverageEmbeddingsSingleIsIdempotent(t *testing.T) {
	unit, _ := L2Normalize([]float32{1, 2, 3, 4})
	avg, err := AverageEmbeddings([][]float32{unit})
	if err != nil {
		t.Fatalf("AverageEmbeddings() error = %v", err)
	}
	for i := range unit {
		if math.Abs(float64(avg[i]-unit[i])) > tolerance {
			t.Fatalf("avg[%d] = %v, want %v", i, avg[i], unit[i])
		}
	}
}

func TestAverageEmbeddingsErrors(t *testing.T) {
	if _, err := AverageEmbeddings(nil); !errors.Is(err, ErrEmptyReferenceSet) {
		t.Fatalf("empty set error = %v", err)
	}
	_, err := AverageEmbeddings([][]float32{{1, 0, 0}, {1, 0}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("mismatch error = %v", err)
	}
	if _, err := AverageEmbeddings([][]float32{{}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("zero-length error = %v", err)
	}
}

func TestAverageOfCloseEmbeddingsStaysClose(t *testing.T) {
	// Three unit vectors with pairwise cosine 0.9 share a common axis.
	a := float32(math.Sqrt(0.9))
	b := float32(math.Sqrt(0.1))
	refs := [][]float32{
		{a, b, 0, 0},
		{a, 0, b, 0},
		{a, 0, 0, b},
	}
	for i := range refs {
		for j := i + 1; j < len(refs); j++ {
			if sim := CosineSimilarity(refs[i], refs[j]); math.Abs(sim-0.9) > tolerance {
				t.Fatalf("fixture similarity = %v", sim)
			}
		}
	}

	mean, err := AverageEmbeddings(refs)
	if err != nil {
		t.Fatal(err)
	}
	for i, ref := range refs {
		if sim := CosineSimilarity(mean, ref); sim < 0.9 {
			t.Fatalf("similarity of mean to ref %d = %v, want >= 0.9", i, sim)
		}
	}
}

func TestMatcherDecide(t *testing.T) {
	m, err := NewMatcher(0.6)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		live     []float32
		refs     [][]float32
		accepted bool
		sim      float64
	}{
		{name: "identical", live: []float32{1, 0}, refs: [][]float32{{1, 0}}, accepted: true, sim: 1},
		{name: "orthogonal", live: []float32{0, 1}, refs: [][]float32{{1, 0}}, accepted: false, sim: 0},
		{name: "mean of two", live: []float32{1, 0}, refs: [][]float32{{1, 0}, {0, 1}}, accepted: true, sim: math.Sqrt(0.5)},
		{name: "zero live", live: []float32{0, 0}, refs: [][]float32{{1, 0}}, accepted: false, sim: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Decide(tt.live, tt.refs)
			if err != nil {
				t.Fatalf("Decide() error = %v", err)
			}
			if got.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, want %v (similarity %v)", got.Accepted, tt.accepted, got.Similarity)
			}
			if math.Abs(got.Similarity-tt.sim) > tolerance {
				t.Fatalf("Similarity = %v, want %v", got.Similarity, tt.sim)
			}
			if got.Threshold != 0.6 {
				t.Fatalf("Threshold = %v", got.Threshold)
			}
		})
	}
}

func TestMatcherAcceptsAtThreshold(t *testing.T) {
	m := Matcher{Threshold: 1}
	got, err := m.Decide([]float32{1, 0}, [][]float32{{1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Accepted {
		t.Fatalf("similarity equal to threshold rejected: %+v", got)
	}
}

func TestMatcherDecideErrors(t *testing.T) {
	m := Matcher{Threshold: 0.6}
	if _, err := m.Decide([]float32{1, 0}, nil); !errors.Is(err, ErrEmptyReferenceSet) {
		t.Fatalf("empty refs error = %v", err)
	}
	if _, err := m.Decide([]float32{1, 0, 0}, [][]float32{{1, 0}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("dimension error = %v", err)
	}
}

func TestNewMatcherRejectsBadThreshold(t *testing.T) {
	for _, th := range []float64{0, -0.5, 1.5, math.NaN()} {
		if _, err := NewMatcher(th); err == nil {
			t.Fatalf("NewMatcher(%v) succeeded", th)
		}
	}
}
