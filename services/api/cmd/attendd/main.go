package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"attendd/pkg/bus"
	"attendd/pkg/clock"
	"attendd/pkg/db"
	"attendd/pkg/s3"
	"attendd/pkg/telemetry"
	"attendd/services/absence"
	"attendd/services/api"
	"attendd/services/api/internal/config"
	"attendd/services/biometric"
	"attendd/services/ledger"
	"attendd/services/profiles"
	"attendd/services/ratelimit"
	"attendd/services/sessions"
	"attendd/services/token"
	"attendd/services/verification"
)

const serviceName = "attendd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	bootLog := telemetry.NewLogger(serviceName, true, os.Stderr)

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}
	logger := telemetry.NewLogger(serviceName, cfg.LogConsole, os.Stderr)

	cleanup, tracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate database")
	}

	orm, err := db.OpenGorm(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect gorm")
	}
	defer func() {
		if err := db.CloseGorm(orm); err != nil {
			logger.Error().Err(err).Msg("close gorm")
		}
	}()

	var (
		publisher ledger.Publisher
		expiryPub absence.Publisher
		events    *bus.Bus
	)
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer events.Close()
		publisher, expiryPub = events, events
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := verification.NewMetrics(registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("register metrics")
	}

	clk := clock.Real()

	limiter, closeLimiter, err := newLimiter(ctx, cfg, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect rate limit backend")
	}
	defer closeLimiter()

	attendance, err := ledger.New(ledger.NewPGStore(pool), publisher, logger.With().Str("component", "ledger").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("build ledger")
	}

	store := sessions.NewStore(sessions.Options{
		Clock:         clk,
		Logger:        logger.With().Str("component", "sessions").Logger(),
		MaxAge:        cfg.SessionMaxAge,
		SweepInterval: cfg.SessionSweepInterval,
		OnExpire:      absence.Hook(expiryPub, attendance, clk.Now, logger.With().Str("component", "absence").Logger()),
	})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		store.Run(ctx)
	}()

	if events != nil {
		worker, err := absence.NewWorker(events, attendance, logger.With().Str("component", "absence").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("build absence worker")
		}
		if err := worker.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("start absence worker")
		}
		defer func() {
			if err := worker.Close(); err != nil {
				logger.Error().Err(err).Msg("close absence worker")
			}
		}()
	}

	modelCfg, err := cfg.ModelConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("model config")
	}
	var loader biometric.Loader
	if cfg.InferenceURL != "" {
		loader = biometric.HTTPLoader(cfg.InferenceURL, modelCfg.EmbeddingDim, cfg.ModelWait)
	} else {
		logger.Warn().Msg("INFERENCE_URL not set, only client-computed embeddings are accepted")
	}
	models := biometric.NewModelManager(loader, cfg.ModelLoadTimeout, logger.With().Str("component", "model").Logger())
	models.Start(ctx)

	pipeline, err := biometric.NewPipeline(modelCfg, models, cfg.ModelWait, logger.With().Str("component", "pipeline").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("build embedding pipeline")
	}

	var archiver verification.Archiver
	if cfg.CaptureBucket != "" {
		client, err := s3.New(ctx, cfg.S3)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect object storage")
		}
		archiver = client
	}

	svc, err := verification.New(verification.Deps{
		Sessions: store,
		Ledger:   attendance,
		Profiles: profiles.NewGormRepository(orm),
		Limiter:  limiter,
		Pipeline: pipeline,
		Archiver: archiver,
		Metrics:  metrics,
		Clock:    clk,
		Logger:   logger.With().Str("component", "verification").Logger(),
	}, verification.Config{
		Threshold:     cfg.FaceMatchThreshold,
		MinQuality:    cfg.FaceMinQuality,
		RateLimit:     cfg.RateLimitPolicy(),
		CaptureBucket: cfg.CaptureBucket,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build verification service")
	}

	checks := []api.Check{
		{Name: "database", Fn: func(ctx context.Context) error { return db.Ping(ctx, pool) }},
	}
	if loader != nil {
		checks = append(checks, api.Check{Name: "model", Fn: func(context.Context) error {
			if !models.Ready() {
				return biometric.ErrModelNotReady
			}
			return nil
		}})
	}

	handlers, err := api.New(api.Deps{
		Sessions:     store,
		Codec:        token.NewCodec(clk.Now),
		Ledger:       attendance,
		Verification: svc,
		Gatherer:     registry,
		Middleware:   []func(http.Handler) http.Handler{tracing},
		Checks:       checks,
		Logger:       logger.With().Str("component", "api").Logger(),
	}, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		HTTPRateLimit:  cfg.HTTPRateLimit,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build api")
	}
	router, err := handlers.Routes()
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting attendd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	<-sweepDone
}

// newLimiter picks the Redis backend when REDIS_ADDR is set and the
// in-process one otherwise.
func newLimiter(ctx context.Context, cfg config.Config, clk clock.Clock, logger zerolog.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.RedisAddr != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				logger.Error().Err(err).Msg("close redis")
			}
		}
		return ratelimit.NewRedis(client, clk), closeFn, nil
	}

	mem := ratelimit.NewMemory(clk)
	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.RateLimitWindow)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n := mem.Sweep(cfg.RateLimitWindow); n > 0 {
					logger.Debug().Int("identities", n).Msg("rate limit sweep")
				}
			}
		}
	}()
	return mem, cancel, nil
}
