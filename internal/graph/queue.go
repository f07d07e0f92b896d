package graph

import (
	"context"
	"fmt"

	"github.com/tracelabs/whaletrace/internal/driver"
)

// Enqueue creates a pending task for (address, layer) if none exists. An
// existing row is left exactly as it is, whatever its status, so a completed
// address is never silently re-queued.
func (s *Store) Enqueue(ctx context.Context, address, layer string) error {
	_, err := s.drv.Run(ctx, driver.EnqueueTaskQuery, map[string]any{
		"address": NormalizeAddress(address),
		"layer":   layer,
		"now":     fmtTime(s.now()),
	})
	return err
}

// EnqueueDiscovered queues a neighbor found during expansion, skipping
// addresses that already completed the layer or exist as settled entities.
func (s *Store) EnqueueDiscovered(ctx context.Context, address, layer string) (bool, error) {
	addr := NormalizeAddress(address)
	task, err := s.Task(ctx, addr, layer)
	if err == nil && task.Status == TaskCompleted {
		return false, nil
	}
	if err := s.Enqueue(ctx, addr, layer); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Task(ctx context.Context, address, layer string) (*Task, error) {
	recs, err := s.drv.Run(ctx, driver.GetTaskQuery, map[string]any{
		"address": NormalizeAddress(address),
		"layer":   layer,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: task %s/%s", ErrNotFound, address, layer)
	}
	t := taskFromRecord(recs[0])
	return &t, nil
}

// NextPending returns up to limit pending tasks for the layer, oldest first,
// skipping tasks that exhausted their attempts.
func (s *Store) NextPending(ctx context.Context, layer string, limit, maxAttempts int) ([]Task, error) {
	recs, err := s.drv.Run(ctx, driver.NextPendingTasksQuery, map[string]any{
		"layer":        layer,
		"limit":        int64(limit),
		"max_attempts": int64(maxAttempts),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, Task{
			Address:  recString(r, "address"),
			Layer:    layer,
			Status:   TaskPending,
			Attempts: recInt(r, "attempts"),
		})
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, address, layer string) error {
	return s.transitionTask(ctx, address, layer, TaskProcessing, "", 0)
}

func (s *Store) MarkCompleted(ctx context.Context, address, layer string) error {
	return s.transitionTask(ctx, address, layer, TaskCompleted, "", 0)
}

func (s *Store) MarkError(ctx context.Context, address, layer, lastError string) error {
	return s.transitionTask(ctx, address, layer, TaskError, lastError, 1)
}

func (s *Store) transitionTask(ctx context.Context, address, layer string, status TaskStatus, lastError string, bumpAttempts int) error {
	return s.Atomic(ctx, func(ctx context.Context, ops *Ops) error {
		addr := NormalizeAddress(address)
		recs, err := ops.tx.Run(ctx, driver.GetTaskQuery,
			map[string]any{"address": addr, "layer": layer})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return fmt.Errorf("%w: task %s/%s", ErrNotFound, addr, layer)
		}
		t := taskFromRecord(recs[0])

		params := map[string]any{
			"address":    addr,
			"layer":      layer,
			"status":     string(status),
			"attempts":   int64(t.Attempts + bumpAttempts),
			"last_error": lastError,
			"now":        fmtTime(s.now()),
		}
		if lastError == "" {
			params["last_error"] = t.LastError
		}
		_, err = ops.tx.Run(ctx, driver.UpdateTaskQuery, params)
		return err
	})
}

// ResetStale flips tasks stuck in processing (a prior crash) back to pending.
func (s *Store) ResetStale(ctx context.Context) (int, error) {
	recs, err := s.drv.Run(ctx, driver.ResetStaleTasksQuery,
		map[string]any{"now": fmtTime(s.now())})
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return recInt(recs[0], "n"), nil
}

// FailedPermanently lists errored tasks that exhausted their attempt budget.
func (s *Store) FailedPermanently(ctx context.Context, maxAttempts int) ([]Task, error) {
	recs, err := s.drv.Run(ctx, driver.FailedTasksQuery,
		map[string]any{"max_attempts": int64(maxAttempts)})
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, taskFromRecord(r))
	}
	return out, nil
}
