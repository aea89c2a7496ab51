// Package subagent runs one research sub-task as a capped act/reflect loop.
// A runner is single-use: construct, Run, read the result.
package subagent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"deepresearch/internal/logging"
	"deepresearch/internal/reasoner"
	"deepresearch/internal/search"
	"deepresearch/internal/state"
)

// State tracks runner lifecycle.
type State int32

const (
	StateStarted State = iota
	StateActing
	StateReflecting
	StateReporting
	StateDone
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateActing:
		return "acting"
	case StateReflecting:
		return "reflecting"
	case StateReporting:
		return "reporting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reasoner is the subset of reasoning calls the runner needs.
type Reasoner interface {
	Decide(ctx context.Context, situation string) (reasoner.Decision, error)
	Summarize(ctx context.Context, query, content string) (hint, summary string)
}

// Reflector records observations into the shared session history.
type Reflector interface {
	Reflect(observation string) error
}

// Config bounds one runner.
type Config struct {
	ID          string
	Budget      int           // max act/reflect iterations
	CallTimeout time.Duration // per search/reasoning call
}

// DefaultConfig returns runner defaults. The ID embeds a nanosecond
// timestamp so concurrent runners stay distinguishable in logs.
func DefaultConfig(name string) Config {
	return Config{
		ID:          fmt.Sprintf("%s-%d", name, time.Now().UnixNano()),
		Budget:      3,
		CallTimeout: 30 * time.Second,
	}
}

// Result is what a finished runner hands back. Entries travel with the
// result rather than being written to shared state; merging them is the
// scheduler's job.
type Result struct {
	Finding state.Finding
	Entries []state.FileEntry
}

// Runner executes a single SubTask.
type Runner struct {
	cfg       Config
	search    search.Provider
	reasoner  Reasoner
	reflector Reflector
	fetcher   *search.PageFetcher // optional raw-content enrichment
	state     atomic.Int32
}

// New creates a runner. fetcher may be nil to skip page fetching.
func New(cfg Config, provider search.Provider, r Reasoner, reflector Reflector, fetcher *search.PageFetcher) *Runner {
	if cfg.Budget <= 0 {
		cfg.Budget = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Runner{
		cfg:       cfg,
		search:    provider,
		reasoner:  r,
		reflector: reflector,
		fetcher:   fetcher,
	}
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		logging.RunnerDebug("%s: %s -> %s", r.cfg.ID, old, s)
	}
}

// Run executes the sub-task. It never returns an error: every failure is
// folded into the Finding so the batch it belongs to keeps going. Entries
// staged before a failure stay in the result.
func (r *Runner) Run(ctx context.Context, sub state.SubTask) Result {
	r.setState(StateStarted)
	logging.Runner("%s: starting %q", r.cfg.ID, truncateTask(sub.Prompt))

	budget := sub.Budget
	if budget <= 0 || budget > r.cfg.Budget {
		budget = r.cfg.Budget
	}

	var (
		entries   []state.FileEntry
		keys      []string
		summaries []string
		query     = sub.Prompt
	)

	for iter := 0; iter < budget; iter++ {
		r.setState(StateActing)

		sctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		results, err := r.search.Search(sctx, query)
		cancel()
		if err != nil {
			return r.fail(sub, entries, keys, fmt.Errorf("iteration %d search: %w", iter+1, err))
		}

		for _, res := range results {
			note, key, summary := r.digest(ctx, query, res)
			entries = append(entries, state.FileEntry{Key: key, Content: note})
			keys = append(keys, key)
			summaries = append(summaries, summary)
		}

		r.setState(StateReflecting)
		obs := fmt.Sprintf("sub-task %q iteration %d/%d: query %q returned %d results",
			truncateTask(sub.Prompt), iter+1, budget, query, len(results))
		if err := r.reflector.Reflect(obs); err != nil {
			return r.fail(sub, entries, keys, fmt.Errorf("reflect: %w", err))
		}

		// Last iteration: the budget forces reporting, no decision call.
		if iter+1 >= budget {
			break
		}

		dctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		decision, err := r.reasoner.Decide(dctx, r.situation(sub, iter+1, budget, summaries))
		cancel()
		if err != nil {
			return r.fail(sub, entries, keys, fmt.Errorf("iteration %d decide: %w", iter+1, err))
		}
		if decision.Op != reasoner.OpSearch || decision.Argument == "" {
			break
		}
		query = decision.Argument
	}

	r.setState(StateReporting)
	finding := state.Finding{
		TaskID:   sub.TaskID,
		Summary:  r.report(sub, summaries),
		FileKeys: keys,
		Success:  true,
	}
	r.setState(StateDone)
	logging.Runner("%s: done, %d notes", r.cfg.ID, len(entries))
	return Result{Finding: finding, Entries: entries}
}

// digest turns one search result into a stored note. Page fetching and
// summarization are both best-effort; the snippet is the floor.
func (r *Runner) digest(ctx context.Context, query string, res search.Result) (note, key, summary string) {
	content := res.RawContent
	if content == "" && r.fetcher != nil {
		fctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		text, err := r.fetcher.FetchText(fctx, res.URL)
		cancel()
		if err == nil {
			content = text
		}
	}
	if content == "" {
		content = res.Snippet
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	hint, summary := r.reasoner.Summarize(sctx, query, content)
	cancel()

	note = fmt.Sprintf("# %s\n%s\n\n%s\n", res.Title, res.URL, summary)
	return note, state.ResolveKey(hint, note), summary
}

func (r *Runner) situation(sub state.SubTask, done, budget int, summaries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-task: %s\nIterations used: %d of %d\nFindings so far:\n", sub.Prompt, done, budget)
	if len(summaries) == 0 {
		b.WriteString("(none)\n")
	}
	for _, s := range summaries {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	b.WriteString("Decide: search again with a refined query, or finish.")
	return b.String()
}

func (r *Runner) report(sub state.SubTask, summaries []string) string {
	if len(summaries) == 0 {
		return fmt.Sprintf("No results found for %q", sub.Prompt)
	}
	return strings.Join(summaries, "\n")
}

func (r *Runner) fail(sub state.SubTask, entries []state.FileEntry, keys []string, err error) Result {
	r.setState(StateFailed)
	logging.Get(logging.CategoryRunner).Error("%s: %v", r.cfg.ID, err)
	return Result{
		Finding: state.Finding{
			TaskID:   sub.TaskID,
			Summary:  fmt.Sprintf("sub-task %q failed", truncateTask(sub.Prompt)),
			FileKeys: keys,
			Success:  false,
			Err:      err.Error(),
		},
		Entries: entries,
	}
}

func truncateTask(task string) string {
	if len(task) <= 100 {
		return task
	}
	return task[:100] + "..."
}
