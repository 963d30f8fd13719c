package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrModelNotReady is returned while the model is loading, after a load
	// failed, or when the bounded wait for a load runs out.
	ErrModelNotReady = errors.New("face model not ready")
	// ErrCaptureFailed is returned when no usable image was supplied.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrInferenceFailed marks errors from the inference runtime. The
	// concrete error is an *InferenceError carrying the cause.
	ErrInferenceFailed = errors.New("inference failed")
	// ErrNoLoader is returned by Reload on a manager built without a
	// loader.
	ErrNoLoader = errors.New("no model loader configured")
)

// InferenceError wraps a runtime failure and matches ErrInferenceFailed.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return "inference failed: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() []error {
	return []error{ErrInferenceFailed, e.Err}
}

// Model turns a preprocessed tensor into a raw embedding.
type Model interface {
	Infer(ctx context.Context, input Tensor) ([]float32, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, input Tensor) ([]float32, error)

func (f ModelFunc) Infer(ctx context.Context, input Tensor) ([]float32, error) {
	return f(ctx, input)
}

// Loader produces a ready Model.
type Loader func(ctx context.Context) (Model, error)

type modelLoad struct {
	done  chan struct{}
	model Model
	err   error
}

func (l *modelLoad) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// ModelManager loads the model once and shares it. Callers that arrive
// while a load is in flight wait on the same load rather than starting
// another one.
type ModelManager struct {
	loader      Loader
	loadTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	current *modelLoad
	// reload is an in-flight Reload; current keeps serving until it lands.
	reload *modelLoad
}

// NewModelManager returns a manager that has not started loading yet.
func NewModelManager(loader Loader, loadTimeout time.Duration, logger zerolog.Logger) *ModelManager {
	if loadTimeout <= 0 {
		loadTimeout = 2 * time.Minute
	}
	return &ModelManager{loader: loader, loadTimeout: loadTimeout, logger: logger}
}

// StaticModel returns a manager that is already holding m.
func StaticModel(m Model) *ModelManager {
	load := &modelLoad{done: make(chan struct{}), model: m}
	close(load.done)
	return &ModelManager{current: load, logger: zerolog.Nop()}
}

// Start begins loading in the background unless a load is running or has
// already succeeded. A failed load is retried.
func (m *ModelManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startLocked(ctx, false)
}

// Reload replaces the loaded model with a fresh load. The previous model
// keeps serving Wait callers until the new load completes successfully.
// A reload already in flight is not duplicated.
func (m *ModelManager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loader == nil {
		return ErrNoLoader
	}
	m.startLocked(ctx, true)
	return nil
}

func (m *ModelManager) startLocked(ctx context.Context, force bool) {
	prev := m.current
	if prev != nil {
		if !prev.finished() {
			return
		}
		if prev.err == nil && !force {
			return
		}
	}
	if m.loader == nil {
		if prev == nil || prev.err != nil {
			load := &modelLoad{done: make(chan struct{}), err: ErrNoLoader}
			close(load.done)
			m.current = load
		}
		return
	}

	load := &modelLoad{done: make(chan struct{})}
	if prev != nil && prev.err == nil {
		if m.reload != nil {
			return
		}
		m.reload = load
	} else {
		m.current = load
	}
	go m.run(ctx, load)
}

func (m *ModelManager) run(ctx context.Context, load *modelLoad) {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.loadTimeout)
	defer cancel()

	started := time.Now()
	model, err := m.loader(loadCtx)
	if err == nil && model == nil {
		err = errors.New("loader returned no model")
	}
	load.model, load.err = model, err
	close(load.done)

	m.mu.Lock()
	if m.reload == load {
		m.reload = nil
		if err == nil {
			m.current = load
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Msg("face model load failed")
		return
	}
	m.logger.Info().Dur("elapsed", time.Since(started)).Msg("face model loaded")
}

// Ready reports whether a model is loaded.
func (m *ModelManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.finished() && m.current.err == nil
}

// Wait blocks for at most timeout for the model, starting a load if none
// is running. It returns ErrModelNotReady on timeout or load failure.
func (m *ModelManager) Wait(ctx context.Context, timeout time.Duration) (Model, error) {
	m.mu.Lock()
	m.startLocked(ctx, false)
	load := m.current
	m.mu.Unlock()

	if load.finished() {
		return load.result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-load.done:
		return load.result()
	case <-timer.C:
		return nil, fmt.Errorf("%w: load still running after %s", ErrModelNotReady, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrModelNotReady, ctx.Err())
	}
}

func (l *modelLoad) result() (Model, error) {
	if l.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelNotReady, l.err)
	}
	return l.model, nil
}

// HTTPModel calls a remote inference server. The server accepts a JSON
// Tensor on POST /v1/embed and answers {"embedding": [...]}.
type HTTPModel struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewHTTPModel builds a client for the server at baseURL. Responses whose
// length differs from dim are rejected.
func NewHTTPModel(baseURL string, dim int, timeout time.Duration) *HTTPModel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPModel{
		baseURL: strings.TrimRight(baseURL, "/"),
		dim:     dim,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// HTTPLoader returns a Loader that waits for the server's /healthz to
// answer 200 before handing out the client.
func HTTPLoader(baseURL string, dim int, timeout time.Duration) Loader {
	return func(ctx context.Context) (Model, error) {
		model := NewHTTPModel(baseURL, dim, timeout)
		if err := model.ping(ctx); err != nil {
			return nil, err
		}
		return model, nil
	}
}

func (h *HTTPModel) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("inference server unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference server health returned %s", resp.Status)
	}
	return nil
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Infer implements Model.
func (h *HTTPModel) Infer(ctx context.Context, input Tensor) ([]float32, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode inference response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error == "" {
			out.Error = resp.Status
		}
		return nil, fmt.Errorf("inference server: %s", out.Error)
	}
	if h.dim > 0 && len(out.Embedding) != h.dim {
		return nil, fmt.Errorf("inference server returned %d values, want %d", len(out.Embedding), h.dim)
	}
	return out.Embedding, nil
}
