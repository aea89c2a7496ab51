// Package scheduler fans research sub-tasks out to sub-agent runners under
// a hard concurrency cap and folds their results back into shared state in
// input order.
package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"deepresearch/internal/logging"
	"deepresearch/internal/state"
	"deepresearch/internal/subagent"
)

// TaskRunner executes one sub-task. Run never returns an error; failures
// are folded into the Finding.
type TaskRunner interface {
	Run(ctx context.Context, sub state.SubTask) subagent.Result
}

// Factory builds a fresh runner for the sub-task at the given batch index.
// Runners are single-use, so each admission gets its own.
type Factory func(index int, sub state.SubTask) TaskRunner

// Config bounds a scheduler.
type Config struct {
	MaxConcurrent int
}

// DefaultConfig returns the production bound of three concurrent runners.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3}
}

// Scheduler owns batch delegation to sub-agents.
type Scheduler struct {
	store   *state.Store
	factory Factory
	cfg     Config
}

// New creates a scheduler writing results into store.
func New(store *state.Store, factory Factory, cfg Config) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{store: store, factory: factory, cfg: cfg}
}

// Delegate runs a batch of sub-tasks and returns one Finding per sub-task,
// in input order, regardless of completion order. Admission is FIFO: when
// all slots are busy, the next sub-task waits for the first free slot.
//
// The call is a join barrier: it returns only after every runner in the
// batch has finished. Failed runners yield Finding.Success=false; they
// never abort siblings. After the barrier, staged file entries are merged
// strictly in input order, then one tool message per finding is appended.
// A key conflict during the merge is returned alongside the complete
// findings slice; the conflicting key keeps its pre-conflict content.
func (s *Scheduler) Delegate(ctx context.Context, subs []state.SubTask) ([]state.Finding, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryScheduler, fmt.Sprintf("delegate batch of %d", len(subs)))
	defer timer.Stop()
	logging.Scheduler("delegating %d sub-tasks, max %d concurrent", len(subs), s.cfg.MaxConcurrent)

	results := make([]subagent.Result, len(subs))

	var eg errgroup.Group
	eg.SetLimit(s.cfg.MaxConcurrent)
	for i, sub := range subs {
		i, sub := i, sub
		eg.Go(func() error {
			results[i] = s.factory(i, sub).Run(ctx, sub)
			return nil
		})
	}
	// Runners report failures through findings, never through errors.
	_ = eg.Wait()

	findings := make([]state.Finding, len(subs))
	var mergeErr error
	for i, res := range results {
		findings[i] = res.Finding

		if res.Finding.Success && len(res.Entries) > 0 {
			if err := s.store.MergeFiles(res.Entries); err != nil {
				logging.Get(logging.CategoryScheduler).Error("merge for sub-task %d: %v", i, err)
				if mergeErr == nil {
					mergeErr = err
				}
				continue
			}
		}

		if err := s.store.AppendMessage(state.Message{
			Role:    state.RoleTool,
			Content: findingMessage(res.Finding),
		}); err != nil && mergeErr == nil {
			mergeErr = err
		}
	}

	logging.Scheduler("batch done: %d findings, %d files in store", len(findings), s.store.FileCount())
	return findings, mergeErr
}

func findingMessage(f state.Finding) string {
	if !f.Success {
		return fmt.Sprintf("sub-task failed: %s (%s)", f.Summary, f.Err)
	}
	if len(f.FileKeys) == 0 {
		return f.Summary
	}
	return fmt.Sprintf("%s\nfiles: %v", f.Summary, f.FileKeys)
}
