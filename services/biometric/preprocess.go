package biometric

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Tensor is a planar CHW float input for the model.
type Tensor struct {
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Data     []float32 `json:"data"`
}

// Preprocess resamples img to cfg.InputSize square, converts it from
// interleaved RGBA to planar RGB and applies (p/255 - mean) / std per channel.
func Preprocess(img image.Image, cfg ModelConfig) (Tensor, error) {
	if img == nil {
		return Tensor{}, fmt.Errorf("%w: no image", ErrCaptureFailed)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return Tensor{}, fmt.Errorf("%w: empty image", ErrCaptureFailed)
	}
	scaler, err := cfg.Interpolation.scaler()
	if err != nil {
		return Tensor{}, err
	}

	n := cfg.InputSize
	dst := image.NewRGBA(image.Rect(0, 0, n, n))
	scaler.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	plane := n * n
	data := make([]float32, 3*plane)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			off := dst.PixOffset(x, y)
			idx := y*n + x
			for c := 0; c < 3; c++ {
				p := float32(dst.Pix[off+c]) / 255
				data[c*plane+idx] = (p - cfg.Mean[c]) / cfg.Std[c]
			}
		}
	}

	return Tensor{Channels: 3, Height: n, Width: n, Data: data}, nil
}
