// Package controller runs the top-level research loop: plan the task list,
// delegate pending tasks to sub-agents, reflect on what came back, and
// decide whether to keep going or synthesize the answer. The loop is bounded
// by a hard step ceiling; hitting it is a designed termination, not a
// failure.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"deepresearch/internal/logging"
	"deepresearch/internal/reasoner"
	"deepresearch/internal/state"
)

// ErrStepCeiling marks a run that was cut off by the step ceiling. It is
// recorded on the result; Run still returns the best-effort answer.
var ErrStepCeiling = errors.New("step ceiling reached")

// Phase names the controller's position in the loop, for logs.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseDelegating   Phase = "delegating"
	PhaseDeciding     Phase = "deciding"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseTerminated   Phase = "terminated"
)

// Delegator runs a batch of sub-tasks to completion.
type Delegator interface {
	Delegate(ctx context.Context, subs []state.SubTask) ([]state.Finding, error)
}

// Reasoner is the subset of reasoning calls the controller needs.
type Reasoner interface {
	Plan(ctx context.Context, question, currentTodos string) ([]reasoner.PlannedTask, error)
	Decide(ctx context.Context, situation string) (reasoner.Decision, error)
	Synthesize(ctx context.Context, question string, notes []string) (string, error)
}

// Config bounds the loop.
type Config struct {
	StepCeiling   int // plan/delegate/decide cycles before forced synthesis
	SubTaskBudget int // iteration budget handed to each sub-agent
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{StepCeiling: 15, SubTaskBudget: 3}
}

// RunResult is what a finished session reports.
type RunResult struct {
	Answer         string
	Question       string
	MessageCount   int
	FilesCreated   int
	Steps          int
	CeilingReached bool
}

// Controller drives one research session over a shared store.
type Controller struct {
	store     *state.Store
	reasoner  Reasoner
	delegator Delegator
	cfg       Config
}

// New creates a controller.
func New(store *state.Store, r Reasoner, d Delegator, cfg Config) *Controller {
	if cfg.StepCeiling < 1 {
		cfg.StepCeiling = 1
	}
	if cfg.SubTaskBudget < 1 {
		cfg.SubTaskBudget = 3
	}
	return &Controller{store: store, reasoner: r, delegator: d, cfg: cfg}
}

// Run answers the question. It always produces an answer if any material
// was gathered: reasoning failures and the step ceiling both route to
// best-effort synthesis instead of erroring out. Only a question that
// cannot even be recorded fails outright.
func (c *Controller) Run(ctx context.Context, question string) (*RunResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("empty question")
	}
	if err := c.store.AppendMessage(state.Message{Role: state.RoleUser, Content: question}); err != nil {
		return nil, fmt.Errorf("record question: %w", err)
	}
	logging.Session("run started: %q", truncate(question, 120))

	steps := 0
	finished := false

	for step := 1; step <= c.cfg.StepCeiling; step++ {
		steps = step

		done, fatal := c.cycle(ctx, question, step)
		if fatal {
			break
		}
		if done {
			finished = true
			break
		}
	}

	ceilingReached := !finished
	if ceilingReached {
		logging.Controller("%s after %d steps: %v", PhaseSynthesizing, steps, ErrStepCeiling)
	}

	answer := c.synthesize(ctx, question)
	if err := c.store.AppendMessage(state.Message{Role: state.RoleAssistant, Content: answer}); err != nil {
		// closed store: the answer still goes back to the caller
		logging.Get(logging.CategoryController).Warn("could not record answer: %v", err)
	}

	logging.Controller("%s: steps=%d files=%d", PhaseTerminated, steps, c.store.FileCount())
	return &RunResult{
		Answer:         answer,
		Question:       question,
		MessageCount:   c.store.MessageCount(),
		FilesCreated:   c.store.FileCount(),
		Steps:          steps,
		CeilingReached: ceilingReached,
	}, nil
}

// cycle runs one plan/delegate/decide step. done means the loop should
// synthesize and stop; fatal means shared state is unusable and the run
// must terminate with whatever was gathered.
func (c *Controller) cycle(ctx context.Context, question string, step int) (done, fatal bool) {
	logging.Controller("step %d: %s", step, PhasePlanning)

	if err := c.plan(ctx, question); err != nil {
		if errors.Is(err, state.ErrStoreClosed) {
			return false, true
		}
		// a planner hiccup ends the run gracefully rather than spinning
		logging.Get(logging.CategoryController).Warn("step %d planning: %v", step, err)
		return true, false
	}

	open := openTasks(c.store.Todos())
	if len(open) == 0 {
		logging.Controller("step %d: no open tasks, research complete", step)
		return true, false
	}

	logging.Controller("step %d: %s %d tasks", step, PhaseDelegating, len(open))
	if err := c.markInProgress(open); err != nil {
		if errors.Is(err, state.ErrStoreClosed) {
			return false, true
		}
		logging.Get(logging.CategoryController).Warn("step %d: %v", step, err)
	}

	subs := make([]state.SubTask, len(open))
	for i, t := range open {
		subs[i] = state.SubTask{TaskID: t.ID, Prompt: t.Description, Budget: c.cfg.SubTaskBudget}
	}

	findings, err := c.delegator.Delegate(ctx, subs)
	if err != nil {
		if errors.Is(err, state.ErrStoreClosed) {
			return false, true
		}
		// key conflicts are reported and survived; the findings are intact
		logging.Get(logging.CategoryController).Warn("step %d delegate: %v", step, err)
	}

	if err := c.completeTasks(findings); err != nil {
		if errors.Is(err, state.ErrStoreClosed) {
			return false, true
		}
		logging.Get(logging.CategoryController).Warn("step %d: %v", step, err)
	}

	logging.Controller("step %d: %s", step, PhaseDeciding)
	if err := c.store.Reflect(findingsDigest(step, findings)); err != nil {
		return false, errors.Is(err, state.ErrStoreClosed)
	}

	decision, err := c.reasoner.Decide(ctx, c.situation(question, findings))
	if err != nil {
		// an unavailable reasoner cannot steer; stop and synthesize
		logging.Get(logging.CategoryController).Warn("step %d decide: %v", step, err)
		return true, false
	}
	return c.dispatch(step, decision)
}

// dispatch routes a decision through the closed op set. Every op resolves
// to either "keep looping" or "synthesize now"; state-touching ops apply
// their side effect first.
func (c *Controller) dispatch(step int, d reasoner.Decision) (done, fatal bool) {
	logging.ControllerDebug("step %d: op=%s arg=%q", step, d.Op, truncate(d.Argument, 120))

	switch d.Op {
	case reasoner.OpFinish:
		logging.Controller("step %d: reasoner finished: %s", step, truncate(d.Rationale, 200))
		return true, false

	case reasoner.OpReflect:
		if err := c.store.Reflect(d.Argument); err != nil {
			return false, errors.Is(err, state.ErrStoreClosed)
		}
		return false, false

	case reasoner.OpWriteFile:
		if _, err := c.store.WriteFile("controller_note", d.Argument); err != nil {
			return false, errors.Is(err, state.ErrStoreClosed)
		}
		return false, false

	case reasoner.OpReadFile:
		content, err := c.store.ReadFile(d.Argument, 0, 4000)
		if err != nil {
			content = err.Error()
		}
		if err := c.store.AppendMessage(state.Message{Role: state.RoleTool, Content: content}); err != nil {
			return false, errors.Is(err, state.ErrStoreClosed)
		}
		return false, false

	case reasoner.OpReadTodos:
		todos, _ := json.Marshal(c.store.Todos())
		if err := c.store.AppendMessage(state.Message{Role: state.RoleTool, Content: string(todos)}); err != nil {
			return false, errors.Is(err, state.ErrStoreClosed)
		}
		return false, false

	case reasoner.OpSearch, reasoner.OpDelegate, reasoner.OpWriteTodos:
		// all three mean "more research": the next cycle plans and
		// delegates again
		return false, false
	}
	return false, false
}

// plan asks the reasoner for the next todo list and applies it. A plan the
// store rejects (regressions, reused IDs) is dropped; the previous list
// stays in force.
func (c *Controller) plan(ctx context.Context, question string) error {
	current, err := json.Marshal(c.store.Todos())
	if err != nil {
		return err
	}

	planned, err := c.reasoner.Plan(ctx, question, string(current))
	if err != nil {
		return err
	}

	tasks := make([]state.Task, 0, len(planned))
	for _, p := range planned {
		status := state.TaskStatus(p.Status)
		if !status.Valid() {
			status = state.TaskPending
		}
		tasks = append(tasks, state.Task{ID: p.ID, Description: p.Description, Status: status})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	if err := c.store.ReplaceTodos(tasks); err != nil {
		if errors.Is(err, state.ErrStoreClosed) {
			return err
		}
		logging.Get(logging.CategoryController).Warn("planner update rejected, keeping previous list: %v", err)
	}
	return nil
}

// openTasks returns tasks still needing work: fresh ones and ones whose
// earlier delegation failed.
func openTasks(todos []state.Task) []state.Task {
	var open []state.Task
	for _, t := range todos {
		if t.Status == state.TaskPending || t.Status == state.TaskInProgress {
			open = append(open, t)
		}
	}
	return open
}

func (c *Controller) markInProgress(open []state.Task) error {
	return c.updateStatuses(func(t state.Task) state.TaskStatus {
		for _, o := range open {
			if o.ID == t.ID {
				return state.TaskInProgress
			}
		}
		return t.Status
	})
}

// completeTasks marks tasks with successful findings completed. Failed
// tasks stay in_progress and are retried on the next cycle.
func (c *Controller) completeTasks(findings []state.Finding) error {
	completed := make(map[int]bool)
	for _, f := range findings {
		if f.Success && f.TaskID != 0 {
			completed[f.TaskID] = true
		}
	}
	if len(completed) == 0 {
		return nil
	}
	return c.updateStatuses(func(t state.Task) state.TaskStatus {
		if completed[t.ID] {
			return state.TaskCompleted
		}
		return t.Status
	})
}

func (c *Controller) updateStatuses(next func(state.Task) state.TaskStatus) error {
	todos := c.store.Todos()
	for i := range todos {
		todos[i].Status = next(todos[i])
	}
	return c.store.ReplaceTodos(todos)
}

func (c *Controller) situation(question string, findings []state.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nLatest findings:\n", question)
	for _, f := range findings {
		status := "ok"
		if !f.Success {
			status = "failed: " + f.Err
		}
		fmt.Fprintf(&b, "- [%s] %s\n", status, truncate(f.Summary, 300))
	}
	open := openTasks(c.store.Todos())
	fmt.Fprintf(&b, "\nOpen tasks: %d\nFiles collected: %d\n", len(open), c.store.FileCount())
	b.WriteString("Decide: delegate to continue researching, or finish to write the answer.")
	return b.String()
}

// synthesize writes the final answer from everything in the file store.
// If the reasoner cannot synthesize, the raw notes become the answer; a
// truncated run still reports what it found.
func (c *Controller) synthesize(ctx context.Context, question string) string {
	snap := c.store.Snapshot()

	keys := make([]string, 0, len(snap.Files))
	for k := range snap.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	notes := make([]string, 0, len(keys))
	for _, k := range keys {
		notes = append(notes, snap.Files[k].Content)
	}

	answer, err := c.reasoner.Synthesize(ctx, question, notes)
	if err == nil && strings.TrimSpace(answer) != "" {
		return answer
	}
	logging.Get(logging.CategoryController).Warn("synthesis failed, returning raw notes: %v", err)

	if len(notes) == 0 {
		return fmt.Sprintf("Research into %q was interrupted before any findings were collected.", question)
	}
	return fmt.Sprintf("Research into %q was interrupted. Raw findings:\n\n%s",
		question, strings.Join(notes, "\n---\n"))
}

func findingsDigest(step int, findings []state.Finding) string {
	ok := 0
	for _, f := range findings {
		if f.Success {
			ok++
		}
	}
	return fmt.Sprintf("step %d: %d/%d sub-tasks succeeded", step, ok, len(findings))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
