// Package maintenance runs periodic consolidation and forgetting passes
// over a memory manager.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

// Engine is the subset of *memory.Manager the worker drives.
type Engine interface {
	Forget(ctx context.Context, req memory.ForgetRequest) (int, error)
	Consolidate(ctx context.Context, from, to memory.TierKind, threshold float64) (int, error)
}

// Config controls a maintenance pass.
type Config struct {
	// Interval between passes. Default: 10m.
	Interval time.Duration

	// Timeout bounds a single pass. Default: 30s.
	Timeout time.Duration

	// ForgetThreshold drops items below this importance. Zero skips the
	// importance pass.
	ForgetThreshold float64

	// MaxAge drops items older than this. Zero skips the age pass.
	MaxAge time.Duration

	// ConsolidateThreshold promotes items from ConsolidateFrom to
	// ConsolidateTo when their importance reaches it. Zero disables
	// consolidation.
	ConsolidateThreshold float64
	ConsolidateFrom      memory.TierKind
	ConsolidateTo        memory.TierKind
}

// DefaultConfig returns a config that promotes important working memories
// to episodic and forgets near-zero importance items every ten minutes.
func DefaultConfig() Config {
	return Config{
		Interval:             10 * time.Minute,
		Timeout:              30 * time.Second,
		ForgetThreshold:      0.1,
		ConsolidateThreshold: 0.7,
		ConsolidateFrom:      memory.TierWorking,
		ConsolidateTo:        memory.TierEpisodic,
	}
}

// Result reports what a pass did.
type Result struct {
	Consolidated int `json:"consolidated"`
	Forgotten    int `json:"forgotten"`
}

// Worker runs maintenance passes on a ticker.
type Worker struct {
	engine Engine
	cfg    Config
	logger *slog.Logger

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a worker for engine. A nil logger uses slog.Default.
func New(engine Engine, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "maintenance"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the periodic loop. Call Stop to terminate.
func (w *Worker) Start() {
	go w.run()
}

// Stop terminates the loop and waits for an in-flight pass to finish.
// It must only be called after Start.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
			res, err := w.RunOnce(ctx)
			cancel()
			if err != nil {
				w.logger.Warn("maintenance pass failed", "error", err)
				continue
			}
			w.logger.Info("maintenance pass", "consolidated", res.Consolidated, "forgotten", res.Forgotten)
		}
	}
}

// RunOnce executes a single pass: consolidation first, so important
// short-term items are promoted before anything is forgotten.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	if w.cfg.ConsolidateThreshold > 0 && w.cfg.ConsolidateFrom != "" && w.cfg.ConsolidateTo != "" {
		n, err := w.engine.Consolidate(ctx, w.cfg.ConsolidateFrom, w.cfg.ConsolidateTo, w.cfg.ConsolidateThreshold)
		res.Consolidated = n
		if err != nil {
			errs = append(errs, fmt.Errorf("consolidate: %w", err))
		}
	}

	if w.cfg.ForgetThreshold > 0 {
		n, err := w.engine.Forget(ctx, memory.ForgetRequest{
			Strategy:  memory.ForgetImportanceBased,
			Threshold: w.cfg.ForgetThreshold,
		})
		res.Forgotten += n
		if err != nil {
			errs = append(errs, fmt.Errorf("forget by importance: %w", err))
		}
	}

	if w.cfg.MaxAge > 0 {
		n, err := w.engine.Forget(ctx, memory.ForgetRequest{
			Strategy: memory.ForgetTimeBased,
			MaxAge:   w.cfg.MaxAge,
		})
		res.Forgotten += n
		if err != nil {
			errs = append(errs, fmt.Errorf("forget by age: %w", err))
		}
	}

	return res, errors.Join(errs...)
}
