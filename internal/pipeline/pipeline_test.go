package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/graph/graphtest"
	"github.com/tracelabs/whaletrace/internal/pipeline"
)

type funcLayer struct {
	name string
	fn   func(ctx context.Context, address string) error
}

func (l funcLayer) Name() string { return l.name }
func (l funcLayer) Process(ctx context.Context, address string) error {
	return l.fn(ctx, address)
}

func newRunner(t *testing.T, cfg pipeline.Config, layers ...pipeline.Layer) (*pipeline.Runner, *graph.Store) {
	t.Helper()
	store := graph.NewStore(graphtest.NewDriver(), nil)
	return pipeline.NewRunner(store, nil, cfg, layers...), store
}

func TestRunnerIsolatesItemFailures(t *testing.T) {
	layer := funcLayer{name: "enrich", fn: func(ctx context.Context, address string) error {
		if address == "0x3" {
			return errors.New("provider exploded")
		}
		return nil
	}}
	runner, store := newRunner(t, pipeline.Config{}, layer)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, runner.Enqueue(ctx, fmt.Sprintf("0x%d", i)))
	}

	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 4, summary.Completed)
	assert.Equal(t, 1, summary.Failed)

	for i := 1; i <= 5; i++ {
		task, err := store.Task(ctx, fmt.Sprintf("0x%d", i), "enrich")
		require.NoError(t, err)
		if i == 3 {
			assert.Equal(t, graph.TaskError, task.Status)
			assert.Contains(t, task.LastError, "provider exploded")
			assert.Equal(t, 1, task.Attempts)
		} else {
			assert.Equal(t, graph.TaskCompleted, task.Status)
		}
	}
}

func TestRunnerRetriesFailuresUpToCap(t *testing.T) {
	layer := funcLayer{name: "enrich", fn: func(ctx context.Context, address string) error {
		return errors.New("always down")
	}}
	runner, store := newRunner(t, pipeline.Config{MaxAttempts: 2}, layer)
	ctx := context.Background()

	require.NoError(t, runner.Enqueue(ctx, "0xa"))

	for attempt := 1; attempt <= 2; attempt++ {
		summary, err := runner.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)

		task, err := store.Task(ctx, "0xa", "enrich")
		require.NoError(t, err)
		assert.Equal(t, attempt, task.Attempts)
	}

	// Attempts exhausted: no longer retried, surfaced as permanently failed.
	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)

	failed, err := runner.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "0xa", failed[0].Address)
}

func TestRunnerContainsPanics(t *testing.T) {
	layer := funcLayer{name: "enrich", fn: func(ctx context.Context, address string) error {
		panic("nil map write")
	}}
	runner, store := newRunner(t, pipeline.Config{}, layer)
	ctx := context.Background()

	require.NoError(t, runner.Enqueue(ctx, "0xa"))
	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	task, err := store.Task(ctx, "0xa", "enrich")
	require.NoError(t, err)
	assert.Equal(t, graph.TaskError, task.Status)
	assert.Contains(t, task.LastError, "panic")
}

func TestRunnerRequeuesTasksStuckProcessing(t *testing.T) {
	layer := funcLayer{name: "enrich", fn: func(ctx context.Context, address string) error {
		return nil
	}}
	runner, store := newRunner(t, pipeline.Config{}, layer)
	ctx := context.Background()

	// Simulate a crash that left the task mid-flight.
	require.NoError(t, store.Enqueue(ctx, "0xa", "enrich"))
	require.NoError(t, store.MarkProcessing(ctx, "0xa", "enrich"))

	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	task, err := store.Task(ctx, "0xa", "enrich")
	require.NoError(t, err)
	assert.Equal(t, graph.TaskCompleted, task.Status)
}

func TestRunnerEnforcesPerAddressTimeout(t *testing.T) {
	layer := funcLayer{name: "enrich", fn: func(ctx context.Context, address string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	runner, store := newRunner(t, pipeline.Config{AddressTimeout: 10 * time.Millisecond}, layer)
	ctx := context.Background()

	require.NoError(t, runner.Enqueue(ctx, "0xa"))
	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	task, err := store.Task(ctx, "0xa", "enrich")
	require.NoError(t, err)
	assert.Contains(t, task.LastError, "deadline")
}

func TestRunnerBoundedWorkerPool(t *testing.T) {
	var inFlight, peak int64
	layer := funcLayer{name: "enrich", fn: func(ctx context.Context, address string) error {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return nil
	}}
	runner, _ := newRunner(t, pipeline.Config{Workers: 3}, layer)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		require.NoError(t, runner.Enqueue(ctx, fmt.Sprintf("0x%d", i)))
	}

	summary, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, summary.Completed)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestRunnerRunLayerUnknownName(t *testing.T) {
	runner, _ := newRunner(t, pipeline.Config{}, funcLayer{name: "enrich", fn: func(context.Context, string) error { return nil }})
	_, err := runner.RunLayer(context.Background(), "nope")
	assert.Error(t, err)
}
