package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/brightstart/internal/imageprocessor"
)

var (
	// ErrModelUnavailable means the model file is missing and cannot be fetched,
	// or it could not be loaded. It is a configuration problem.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInference covers per-request runtime failures.
	ErrInference = errors.New("inference failed")
)

// Session is a loaded classifier able to score one tensor.
type Session interface {
	Run(input imageprocessor.Tensor) ([]float32, error)
	Info() ModelInfo
	Close() error
}

// Loader turns a model file on disk into a Session.
type Loader interface {
	Load(path string) (Session, error)
}

// ModelInfo describes the loaded model's tensors.
type ModelInfo struct {
	Path        string  `json:"path"`
	InputName   string  `json:"input_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputName  string  `json:"output_name"`
	OutputShape []int64 `json:"output_shape"`
}

// Config locates the model and bounds the download.
type Config struct {
	Path            string
	DownloadURL     string
	DownloadTimeout time.Duration
	// DownloadAttempts bounds retries of transient download failures.
	DownloadAttempts uint64
}

// Holder owns the process-wide classifier. Initialization happens at most
// once; a failed attempt leaves the holder empty so the next caller retries.
type Holder struct {
	cfg    Config
	loader Loader
	client *http.Client
	logger *zap.Logger

	initMu  sync.Mutex
	mu      sync.RWMutex
	session Session
	closed  bool
	// runs counts Session.Run calls still executing, including those whose
	// caller already gave up on a deadline.
	runs sync.WaitGroup
}

// Option customizes a Holder.
type Option func(*Holder)

// WithHTTPClient overrides the client used for model downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Holder) {
		h.client = client
	}
}

// NewHolder builds an empty holder; nothing is loaded until EnsureLoaded.
func NewHolder(cfg Config, loader Loader, logger *zap.Logger, opts ...Option) *Holder {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 300 * time.Second
	}
	if cfg.DownloadAttempts == 0 {
		cfg.DownloadAttempts = 3
	}
	h := &Holder{
		cfg:    cfg,
		loader: loader,
		client: &http.Client{},
		logger: logger.Named("model_holder"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Holder) current() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// Ready reports whether a model is loaded.
func (h *Holder) Ready() bool {
	return h.current() != nil
}

// Info returns the loaded model description.
func (h *Holder) Info() (ModelInfo, bool) {
	s := h.current()
	if s == nil {
		return ModelInfo{}, false
	}
	return s.Info(), true
}

// EnsureLoaded returns the shared session, downloading and loading the model
// on first use. Concurrent callers wait for a single initialization.
func (h *Holder) EnsureLoaded(ctx context.Context) (Session, error) {
	if s := h.current(); s != nil {
		return s, nil
	}

	h.initMu.Lock()
	defer h.initMu.Unlock()

	if s := h.current(); s != nil {
		return s, nil
	}
	if h.isClosed() {
		return nil, fmt.Errorf("%w: holder is closed", ErrModelUnavailable)
	}

	if err := h.ensureFile(ctx); err != nil {
		return nil, err
	}

	h.logger.Info("loading model", zap.String("path", h.cfg.Path))
	started := time.Now()
	s, err := h.loader.Load(h.cfg.Path)
	if err != nil {
		h.logger.Error("failed to load model", zap.String("path", h.cfg.Path), zap.Error(err))
		return nil, fmt.Errorf("%w: load %s: %v", ErrModelUnavailable, h.cfg.Path, err)
	}

	info := s.Info()
	h.logger.Info("model loaded",
		zap.Int64s("input_shape", info.InputShape),
		zap.Int64s("output_shape", info.OutputShape),
		zap.Duration("elapsed", time.Since(started)),
	)

	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
	return s, nil
}

func (h *Holder) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// acquire returns the loaded session with a run registered against it, or nil.
func (h *Holder) acquire() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session == nil {
		return nil
	}
	h.runs.Add(1)
	return h.session
}

func (h *Holder) ensureFile(ctx context.Context) error {
	_, err := os.Stat(h.cfg.Path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: stat %s: %v", ErrModelUnavailable, h.cfg.Path, err)
	}

	h.logger.Warn("model file not found", zap.String("path", h.cfg.Path))
	if h.cfg.DownloadURL == "" {
		h.logger.Error("no model download URL configured")
		return fmt.Errorf("%w: %s is missing and no download URL is configured", ErrModelUnavailable, h.cfg.Path)
	}
	if err := h.download(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return nil
}

// Predict scores one normalized tensor and returns the sigmoid output.
func (h *Holder) Predict(ctx context.Context, tensor imageprocessor.Tensor) (float64, error) {
	if !tensor.Valid() {
		return 0, fmt.Errorf("%w: tensor shape %v with %d values", ErrInference, tensor.Shape, len(tensor.Data))
	}
	s := h.acquire()
	if s == nil {
		if _, err := h.EnsureLoaded(ctx); err != nil {
			return 0, err
		}
		if s = h.acquire(); s == nil {
			return 0, fmt.Errorf("%w: holder is closed", ErrModelUnavailable)
		}
	}

	type outcome struct {
		output []float32
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer h.runs.Done()
		output, err := s.Run(tensor)
		done <- outcome{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrInference, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInference, res.err)
		}
		if len(res.output) == 0 {
			return 0, fmt.Errorf("%w: empty model output", ErrInference)
		}
		value := float64(res.output[0])
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return 0, fmt.Errorf("%w: non-finite model output %v", ErrInference, value)
		}
		return value, nil
	}
}

// Close releases the loaded session once in-flight runs have returned. The
// holder cannot be reloaded afterwards.
func (h *Holder) Close() error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.closed = true
	h.mu.Unlock()

	h.runs.Wait()
	if s == nil {
		return nil
	}
	return s.Close()
}
