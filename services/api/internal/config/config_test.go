package config

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"attendd/services/biometric"
	"attendd/services/ratelimit"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_DSN": "postgres://attendd@localhost/attendd",
	}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}

	if cfg.Addr != ":8080" || cfg.FaceMatchThreshold != 0.6 || cfg.HTTPRateLimit != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.RateLimitPolicy(); got != ratelimit.DefaultPolicy {
		t.Fatalf("RateLimitPolicy() = %+v, want %+v", got, ratelimit.DefaultPolicy)
	}
	if cfg.SessionSweepInterval != 30*time.Minute || cfg.SessionMaxAge != time.Hour {
		t.Fatalf("session timings = %s/%s", cfg.SessionSweepInterval, cfg.SessionMaxAge)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}

	mc, err := cfg.ModelConfig()
	if err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}
	if !reflect.DeepEqual(mc, biometric.DefaultModelConfig()) {
		t.Fatalf("ModelConfig() = %+v, want %+v", mc, biometric.DefaultModelConfig())
	}
	if cfg.S3.Region != "us-east-1" || !cfg.S3.ForcePathStyle {
		t.Fatalf("S3 defaults = %+v", cfg.S3)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_DSN":                  "postgres://attendd@db/attendd",
		"FACE_MATCH_THRESHOLD":    "0.72",
		"RATE_LIMIT_MAX_ATTEMPTS": "3",
		"RATE_LIMIT_WINDOW":       "90s",
		"CORS_ALLOWED_ORIGINS":    "https://a.example,https://b.example",
		"MODEL_INTERPOLATION":     "catmull-rom",
		"MODEL_MEAN":              "0.485,0.456,0.406",
		"MODEL_STD":               "0.229,0.224,0.225",
		"CAPTURE_BUCKET":          "captures",
		"S3_ENDPOINT":             "minio:9000",
	}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.FaceMatchThreshold != 0.72 {
		t.Fatalf("FaceMatchThreshold = %v", cfg.FaceMatchThreshold)
	}
	if got := cfg.RateLimitPolicy(); got != (ratelimit.Policy{Max: 3, Window: 90 * time.Second}) {
		t.Fatalf("RateLimitPolicy() = %+v", got)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	mc, err := cfg.ModelConfig()
	if err != nil {
		t.Fatalf("ModelConfig() error = %v", err)
	}
	if mc.Interpolation != biometric.InterpCatmullRom || mc.Std[0] != 0.229 {
		t.Fatalf("ModelConfig() = %+v", mc)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing dsn", map[string]string{}},
		{"threshold above one", map[string]string{"FACE_MATCH_THRESHOLD": "1.2"}},
		{"zero threshold", map[string]string{"FACE_MATCH_THRESHOLD": "0"}},
		{"negative quality", map[string]string{"FACE_MIN_QUALITY": "-0.1"}},
		{"zero attempts", map[string]string{"RATE_LIMIT_MAX_ATTEMPTS": "0"}},
		{"bad interpolation", map[string]string{"MODEL_INTERPOLATION": "lanczos"}},
		{"short mean", map[string]string{"MODEL_MEAN": "0.5,0.5"}},
		{"zero std", map[string]string{"MODEL_STD": "0.5,0,0.5"}},
		{"relative inference url", map[string]string{"INFERENCE_URL": "inference:9000"}},
		{"bucket without endpoint", map[string]string{"CAPTURE_BUCKET": "captures"}},
		{"unparsable window", map[string]string{"RATE_LIMIT_WINDOW": "ten minutes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{"DB_DSN": "postgres://attendd@localhost/attendd"}
			if tt.name == "missing dsn" {
				delete(env, "DB_DSN")
			}
			for k, v := range tt.env {
				env[k] = v
			}
			if _, err := LoadWith(context.Background(), envconfig.MapLookuper(env)); err == nil {
				t.Fatal("LoadWith() error = nil, want error")
			}
		})
	}
}
