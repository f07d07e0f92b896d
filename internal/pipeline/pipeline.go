// Package pipeline drives the layered enrichment queue: expansion, behavioral
// fingerprinting, then OSINT aggregation, with per-item state transitions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracelabs/whaletrace/internal/graph"
)

// Layer is one enrichment stage. Process handles a single address and must
// respect the context deadline.
type Layer interface {
	Name() string
	Process(ctx context.Context, address string) error
}

type Config struct {
	// BatchSize bounds how many tasks one pass pulls per layer.
	BatchSize int
	// MaxAttempts is the retry cap; errored tasks beyond it surface as
	// permanently failed.
	MaxAttempts int
	// Workers sizes the bounded pool. One worker means sequential.
	Workers int
	// AddressTimeout fails a single address without touching its siblings.
	AddressTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		MaxAttempts:    3,
		Workers:        1,
		AddressTimeout: 2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.AddressTimeout <= 0 {
		c.AddressTimeout = d.AddressTimeout
	}
	return c
}

// Runner pulls pending tasks layer by layer and commits each item's outcome
// independently: one address failing never taints its batch siblings.
type Runner struct {
	store  *graph.Store
	layers []Layer
	log    *slog.Logger
	cfg    Config
}

func NewRunner(store *graph.Store, log *slog.Logger, cfg Config, layers ...Layer) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, layers: layers, log: log, cfg: cfg.withDefaults()}
}

// Summary counts one pass's outcomes.
type Summary struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Enqueue registers an address with every layer.
func (r *Runner) Enqueue(ctx context.Context, address string) error {
	for _, l := range r.layers {
		if err := r.store.Enqueue(ctx, address, l.Name()); err != nil {
			return fmt.Errorf("enqueue %s/%s: %w", address, l.Name(), err)
		}
	}
	return nil
}

// Run resets tasks orphaned by a prior crash, then works every layer in
// order. A later layer still runs for an address whose earlier layer errored;
// stages consume each other's writes as extra evidence, not as a dependency.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	reset, err := r.store.ResetStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset stale tasks: %w", err)
	}
	if reset > 0 {
		r.log.Warn("requeued tasks orphaned in processing", "count", reset)
	}

	total := &Summary{}
	for _, layer := range r.layers {
		s, err := r.runLayer(ctx, layer)
		if err != nil {
			return total, err
		}
		total.Processed += s.Processed
		total.Completed += s.Completed
		total.Failed += s.Failed
	}
	return total, nil
}

// RunLayer works a single named layer.
func (r *Runner) RunLayer(ctx context.Context, name string) (*Summary, error) {
	for _, layer := range r.layers {
		if layer.Name() == name {
			if _, err := r.store.ResetStale(ctx); err != nil {
				return nil, err
			}
			return r.runLayer(ctx, layer)
		}
	}
	return nil, fmt.Errorf("pipeline: unknown layer %q", name)
}

func (r *Runner) runLayer(ctx context.Context, layer Layer) (*Summary, error) {
	tasks, err := r.store.NextPending(ctx, layer.Name(), r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("next pending for %s: %w", layer.Name(), err)
	}

	summary := &Summary{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.cfg.Workers)

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(task graph.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := r.processOne(ctx, layer, task)
			mu.Lock()
			summary.Processed++
			if ok {
				summary.Completed++
			} else {
				summary.Failed++
			}
			mu.Unlock()
		}(task)
	}
	wg.Wait()

	r.log.Info("layer pass complete", "layer", layer.Name(),
		"processed", summary.Processed, "completed", summary.Completed, "failed", summary.Failed)
	return summary, nil
}

// processOne runs a single task through the pending -> processing ->
// completed/error state machine. Panics inside a layer are contained and
// recorded like any other per-address failure.
func (r *Runner) processOne(ctx context.Context, layer Layer, task graph.Task) bool {
	if err := r.store.MarkProcessing(ctx, task.Address, layer.Name()); err != nil {
		r.log.Error("mark processing failed", "address", task.Address, "layer", layer.Name(), "error", err)
		return false
	}

	err := r.runIsolated(ctx, layer, task.Address)
	if err != nil {
		r.log.Warn("layer task failed", "address", task.Address,
			"layer", layer.Name(), "attempt", task.Attempts+1, "error", err)
		if markErr := r.store.MarkError(ctx, task.Address, layer.Name(), err.Error()); markErr != nil {
			r.log.Error("mark error failed", "address", task.Address, "error", markErr)
		}
		return false
	}

	if err := r.store.MarkCompleted(ctx, task.Address, layer.Name()); err != nil {
		r.log.Error("mark completed failed", "address", task.Address, "error", err)
		return false
	}
	return true
}

func (r *Runner) runIsolated(ctx context.Context, layer Layer, address string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in layer %s: %v", layer.Name(), rec)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, r.cfg.AddressTimeout)
	defer cancel()
	return layer.Process(cctx, address)
}

// Failed lists tasks that exhausted their retry budget.
func (r *Runner) Failed(ctx context.Context) ([]graph.Task, error) {
	return r.store.FailedPermanently(ctx, r.cfg.MaxAttempts)
}
