package biometric

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
)

const defaultModelWait = 10 * time.Second

// Embedding is a normalized face vector with its quality score and the
// norm of the raw model output.
type Embedding struct {
	Vector  []float32 `json:"-"`
	Quality float64   `json:"quality"`
	Norm    float64   `json:"norm"`
}

// Pipeline extracts embeddings from captures with the shared model.
type Pipeline struct {
	cfg       ModelConfig
	models    *ModelManager
	modelWait time.Duration
	logger    zerolog.Logger
}

// NewPipeline validates cfg and binds it to models. modelWait bounds how
// long Extract waits for a model that is still loading.
func NewPipeline(cfg ModelConfig, models *ModelManager, modelWait time.Duration, logger zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	if models == nil {
		return nil, errors.New("model manager is required")
	}
	if modelWait <= 0 {
		modelWait = defaultModelWait
	}
	return &Pipeline{cfg: cfg, models: models, modelWait: modelWait, logger: logger}, nil
}

// Config returns a copy of the model configuration.
func (p *Pipeline) Config() ModelConfig {
	return p.cfg
}

// Ready reports whether the model has loaded.
func (p *Pipeline) Ready() bool {
	return p.models.Ready()
}

// Reload starts a fresh model load; the current model keeps serving until
// it completes.
func (p *Pipeline) Reload(ctx context.Context) error {
	return p.models.Reload(ctx)
}

// Extract runs the full capture-to-embedding path on img.
func (p *Pipeline) Extract(ctx context.Context, img image.Image) (Embedding, error) {
	model, err := p.models.Wait(ctx, p.modelWait)
	if err != nil {
		return Embedding{}, err
	}

	input, err := Preprocess(img, p.cfg)
	if err != nil {
		return Embedding{}, err
	}

	raw, err := model.Infer(ctx, input)
	if err != nil {
		return Embedding{}, &InferenceError{Err: err}
	}
	if len(raw) != p.cfg.EmbeddingDim {
		return Embedding{}, &InferenceError{Err: fmt.Errorf("model returned %d values, want %d", len(raw), p.cfg.EmbeddingDim)}
	}

	return p.normalize(raw), nil
}

// Normalize L2-normalizes a raw vector and scores it. Embeddings computed
// on the client enter the pipeline here and must have the model's
// dimension.
func (p *Pipeline) Normalize(raw []float32) (Embedding, error) {
	if len(raw) != p.cfg.EmbeddingDim {
		return Embedding{}, fmt.Errorf("%w: embedding has %d values, model produces %d", ErrDimensionMismatch, len(raw), p.cfg.EmbeddingDim)
	}
	return p.normalize(raw), nil
}

func (p *Pipeline) normalize(raw []float32) Embedding {
	vector, norm := L2Normalize(raw)
	if norm == 0 {
		p.logger.Warn().Int("dim", len(raw)).Msg("embedding has zero norm, leaving it unnormalized")
	}
	return Embedding{
		Vector:  vector,
		Quality: Quality(vector, p.cfg.VarianceScale, p.cfg.ActivationScale),
		Norm:    norm,
	}
}
