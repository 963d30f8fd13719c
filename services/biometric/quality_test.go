package biometric

import (
	"math"
	"math/rand"
	"testing"
)

func TestL2Normalize(t *testing.T) {
	got, norm := L2Normalize([]float32{3, 4})
	if norm != 5 {
		t.Fatalf("norm = %v, want 5", norm)
	}
	if math.Abs(float64(got[0])-0.6) > tolerance || math.Abs(float64(got[1])-0.8) > tolerance {
		t.Fatalf("L2Normalize() = %v", got)
	}
}

func TestL2NormalizeZeroVector(t *testing.T) {
	in := []float32{0, 0, 0}
	got, norm := L2Normalize(in)
	if norm != 0 {
		t.Fatalf("norm = %v, want 0", norm)
	}
	for i, v := range got {
		if v != 0 || math.IsNaN(float64(v)) {
			t.Fatalf("got[%d] = %v", i, v)
		}
	}
	got[0] = 1
	if in[0] != 0 {
		t.Fatal("L2Normalize returned the input slice")
	}
}

func TestQualityKnownValues(t *testing.T) {
	tests := []struct {
		name string
		v    []float32
		want float64
	}{
		{name: "zero vector", v: []float32{0, 0, 0, 0}, want: 0},
		{name: "empty", v: nil, want: 0},
		// magnitude 1, variance 0.1875*1000 clamps to 1, sparsity 0.25, activation 1.
		{name: "one hot", v: []float32{1, 0, 0, 0}, want: 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Quality(tt.v, 1000, 10)
			if math.Abs(got-tt.want) > tolerance {
				t.Fatalf("Quality() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualityBounded(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	cfg := DefaultModelConfig()
	for i := 0; i < 500; i++ {
		v := randomVector(r, 1+r.Intn(512))
		for j := range v {
			v[j] *= float32(math.Pow(10, float64(r.Intn(20)-10)))
		}
		unit, _ := L2Normalize(v)

		for _, vec := range [][]float32{v, unit} {
			q := Quality(vec, cfg.VarianceScale, cfg.ActivationScale)
			if math.IsNaN(q) || q < 0 || q > 1 {
				t.Fatalf("Quality() = %v for %d-dim vector", q, len(vec))
			}
		}
	}
}

func TestQualityPrefersSpreadEmbeddings(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	spread, _ := L2Normalize(randomVector(r, 512))

	cfg := DefaultModelConfig()
	got := Quality(spread, cfg.VarianceScale, cfg.ActivationScale)
	if got < 0.5 {
		t.Fatalf("quality of a dense unit embedding = %v, want >= 0.5", got)
	}
}
