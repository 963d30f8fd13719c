package biometric

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func uniformImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestPreprocessPlanarLayout(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.InputSize = 2
	cfg.Interpolation = InterpNearest

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	img.SetRGBA(1, 0, color.RGBA{G: 255, A: 255})
	img.SetRGBA(0, 1, color.RGBA{B: 255, A: 255})
	img.SetRGBA(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	got, err := Preprocess(img, cfg)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if got.Channels != 3 || got.Height != 2 || got.Width != 2 || len(got.Data) != 12 {
		t.Fatalf("tensor shape = %dx%dx%d (%d values)", got.Channels, got.Height, got.Width, len(got.Data))
	}

	// With mean = std = 0.5, full intensity maps to 1 and zero to -1.
	want := []float32{
		1, -1, -1, 1, // R plane
		-1, 1, -1, 1, // G plane
		-1, -1, 1, 1, // B plane
	}
	for i := range want {
		if math.Abs(float64(got.Data[i]-want[i])) > tolerance {
			t.Fatalf("Data[%d] = %v, want %v (all %v)", i, got.Data[i], want[i], got.Data)
		}
	}
}

func TestPreprocessResamplesEveryInterpolation(t *testing.T) {
	src := uniformImage(37, 23, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	for _, interp := range []Interpolation{InterpNearest, InterpApproxBiLinear, InterpBiLinear, InterpCatmullRom} {
		t.Run(string(interp), func(t *testing.T) {
			cfg := DefaultModelConfig()
			cfg.InputSize = 16
			cfg.Interpolation = interp
			cfg.Mean = [3]float32{0, 0, 0}
			cfg.Std = [3]float32{1, 1, 1}

			got, err := Preprocess(src, cfg)
			if err != nil {
				t.Fatal(err)
			}
			plane := 16 * 16
			if len(got.Data) != 3*plane {
				t.Fatalf("len(Data) = %d", len(got.Data))
			}
			for i := 0; i < plane; i++ {
				r, g, b := got.Data[i], got.Data[plane+i], got.Data[2*plane+i]
				if math.Abs(float64(r)-1) > 0.02 || math.Abs(float64(g)) > 0.02 || math.Abs(float64(b)-0.2) > 0.02 {
					t.Fatalf("pixel %d = (%v, %v, %v)", i, r, g, b)
				}
			}
		})
	}
}

func TestPreprocessRejectsMissingCapture(t *testing.T) {
	cfg := DefaultModelConfig()
	if _, err := Preprocess(nil, cfg); !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("nil image error = %v", err)
	}
	empty := image.NewRGBA(image.Rect(0, 0, 0, 0))
	if _, err := Preprocess(empty, cfg); !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("empty image error = %v", err)
	}
}
