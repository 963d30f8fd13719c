package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"

	"attendd/pkg/s3"
	"attendd/services/biometric"
	"attendd/services/ratelimit"
)

// Config holds runtime configuration for the attendd service.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN,required"`
	NATSURL        string   `env:"NATS_URL"`
	RedisAddr      string   `env:"REDIS_ADDR"`
	RedisPassword  string   `env:"REDIS_PASSWORD"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogConsole     bool     `env:"LOG_CONSOLE,default=false"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	HTTPRateLimit  int      `env:"HTTP_RATE_LIMIT,default=100"`

	FaceMatchThreshold   float64       `env:"FACE_MATCH_THRESHOLD,default=0.6"`
	FaceMinQuality       float64       `env:"FACE_MIN_QUALITY,default=0"`
	RateLimitMaxAttempts int           `env:"RATE_LIMIT_MAX_ATTEMPTS,default=5"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW,default=10m"`

	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=30m"`
	SessionMaxAge        time.Duration `env:"SESSION_MAX_AGE,default=60m"`

	InferenceURL         string        `env:"INFERENCE_URL"`
	ModelInputSize       int           `env:"MODEL_INPUT_SIZE,default=112"`
	ModelEmbeddingDim    int           `env:"MODEL_EMBEDDING_DIM,default=512"`
	ModelInterpolation   string        `env:"MODEL_INTERPOLATION,default=bilinear"`
	ModelLoadTimeout     time.Duration `env:"MODEL_LOAD_TIMEOUT,default=2m"`
	ModelWait            time.Duration `env:"MODEL_WAIT,default=10s"`
	ModelVarianceScale   float64       `env:"MODEL_VARIANCE_SCALE,default=1000"`
	ModelActivationScale float64       `env:"MODEL_ACTIVATION_SCALE,default=10"`
	ModelMean            []float32     `env:"MODEL_MEAN,default=0.5,0.5,0.5"`
	ModelStd             []float32     `env:"MODEL_STD,default=0.5,0.5,0.5"`

	CaptureBucket string `env:"CAPTURE_BUCKET"`
	S3            s3.Options

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration through l and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if !(c.FaceMatchThreshold > 0 && c.FaceMatchThreshold <= 1) {
		errs = append(errs, fmt.Errorf("FACE_MATCH_THRESHOLD must be in (0,1], got %v", c.FaceMatchThreshold))
	}
	if c.FaceMinQuality < 0 || c.FaceMinQuality > 1 {
		errs = append(errs, fmt.Errorf("FACE_MIN_QUALITY must be in [0,1], got %v", c.FaceMinQuality))
	}
	if c.RateLimitMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be positive, got %d", c.RateLimitMaxAttempts))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow))
	}
	if c.HTTPRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_RATE_LIMIT must be positive, got %d", c.HTTPRateLimit))
	}
	if c.SessionSweepInterval <= 0 || c.SessionMaxAge <= 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL and SESSION_MAX_AGE must be positive"))
	}
	if c.InferenceURL != "" {
		if u, err := url.Parse(c.InferenceURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("INFERENCE_URL %q is not an absolute URL", c.InferenceURL))
		}
	}
	if _, err := c.ModelConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.CaptureBucket != "" && c.S3.Endpoint == "" {
		errs = append(errs, errors.New("CAPTURE_BUCKET requires S3_ENDPOINT"))
	}
	return errors.Join(errs...)
}

// ModelConfig builds the embedding pipeline configuration.
func (c Config) ModelConfig() (biometric.ModelConfig, error) {
	interp, err := biometric.ParseInterpolation(c.ModelInterpolation)
	if err != nil {
		return biometric.ModelConfig{}, err
	}
	if len(c.ModelMean) != 3 || len(c.ModelStd) != 3 {
		return biometric.ModelConfig{}, fmt.Errorf("MODEL_MEAN and MODEL_STD need 3 values, got %d and %d", len(c.ModelMean), len(c.ModelStd))
	}
	mc := biometric.ModelConfig{
		InputSize:       c.ModelInputSize,
		Mean:            [3]float32(c.ModelMean),
		Std:             [3]float32(c.ModelStd),
		EmbeddingDim:    c.ModelEmbeddingDim,
		Interpolation:   interp,
		VarianceScale:   c.ModelVarianceScale,
		ActivationScale: c.ModelActivationScale,
	}
	if err := mc.Validate(); err != nil {
		return biometric.ModelConfig{}, err
	}
	return mc, nil
}

// RateLimitPolicy is the per-identity attempt budget.
func (c Config) RateLimitPolicy() ratelimit.Policy {
	return ratelimit.Policy{Max: c.RateLimitMaxAttempts, Window: c.RateLimitWindow}
}
