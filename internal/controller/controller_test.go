package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"deepresearch/internal/reasoner"
	"deepresearch/internal/state"
)

// mockReasoner is a func-field test double for Reasoner.
type mockReasoner struct {
	planFunc       func(ctx context.Context, question, currentTodos string) ([]reasoner.PlannedTask, error)
	decideFunc     func(ctx context.Context, situation string) (reasoner.Decision, error)
	synthesizeFunc func(ctx context.Context, question string, notes []string) (string, error)
}

func (m *mockReasoner) Plan(ctx context.Context, question, currentTodos string) ([]reasoner.PlannedTask, error) {
	return m.planFunc(ctx, question, currentTodos)
}

func (m *mockReasoner) Decide(ctx context.Context, situation string) (reasoner.Decision, error) {
	return m.decideFunc(ctx, situation)
}

func (m *mockReasoner) Synthesize(ctx context.Context, question string, notes []string) (string, error) {
	return m.synthesizeFunc(ctx, question, notes)
}

// mockDelegator records batches and answers from a script.
type mockDelegator struct {
	store        *state.Store
	batches      [][]state.SubTask
	delegateFunc func(ctx context.Context, subs []state.SubTask) ([]state.Finding, error)
}

func (m *mockDelegator) Delegate(ctx context.Context, subs []state.SubTask) ([]state.Finding, error) {
	m.batches = append(m.batches, subs)
	return m.delegateFunc(ctx, subs)
}

// succeedAll merges one file per sub-task and reports success.
func succeedAll(store *state.Store) func(ctx context.Context, subs []state.SubTask) ([]state.Finding, error) {
	return func(_ context.Context, subs []state.SubTask) ([]state.Finding, error) {
		findings := make([]state.Finding, len(subs))
		for i, sub := range subs {
			key := fmt.Sprintf("note_%d.md", sub.TaskID)
			if err := store.MergeFiles([]state.FileEntry{{Key: key, Content: "findings for " + sub.Prompt}}); err != nil {
				return nil, err
			}
			findings[i] = state.Finding{TaskID: sub.TaskID, Summary: "done " + sub.Prompt, FileKeys: []string{key}, Success: true}
		}
		return findings, nil
	}
}

func staticPlan(tasks ...reasoner.PlannedTask) func(context.Context, string, string) ([]reasoner.PlannedTask, error) {
	return func(_ context.Context, _, currentTodos string) ([]reasoner.PlannedTask, error) {
		// echo whatever the store already holds, plus the fixed tasks not yet present
		out := make([]reasoner.PlannedTask, 0, len(tasks))
		for _, t := range tasks {
			if strings.Contains(currentTodos, fmt.Sprintf(`"id":%d`, t.ID)) {
				continue
			}
			out = append(out, t)
		}
		var existing []reasoner.PlannedTask
		_ = jsonUnmarshal(currentTodos, &existing)
		return append(existing, out...), nil
	}
}

func jsonUnmarshal(s string, v interface{}) error {
	if strings.TrimSpace(s) == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func TestRunFinishesWhenReasonerSaysSo(t *testing.T) {
	store := state.New()
	deleg := &mockDelegator{store: store, delegateFunc: succeedAll(store)}
	rsn := &mockReasoner{
		planFunc: staticPlan(
			reasoner.PlannedTask{ID: 1, Description: "topic one", Status: "pending"},
			reasoner.PlannedTask{ID: 2, Description: "topic two", Status: "pending"},
		),
		decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
			return reasoner.Decision{Op: reasoner.OpFinish, Rationale: "covered"}, nil
		},
		synthesizeFunc: func(_ context.Context, q string, notes []string) (string, error) {
			return fmt.Sprintf("answer from %d notes", len(notes)), nil
		},
	}

	c := New(store, rsn, deleg, Config{StepCeiling: 15, SubTaskBudget: 3})
	res, err := c.Run(context.Background(), "what is the question")
	require.NoError(t, err)

	require.Equal(t, "answer from 2 notes", res.Answer)
	require.False(t, res.CeilingReached)
	require.Equal(t, 1, res.Steps)
	require.Equal(t, 2, res.FilesCreated)
	require.Len(t, deleg.batches, 1)
	require.Len(t, deleg.batches[0], 2)

	// both tasks completed
	for _, task := range store.Todos() {
		require.Equal(t, state.TaskCompleted, task.Status)
	}
	// history: question, reflection, answer
	msgs := store.Messages()
	require.Equal(t, state.RoleUser, msgs[0].Role)
	require.Equal(t, "what is the question", msgs[0].Content)
	require.Equal(t, res.Answer, msgs[len(msgs)-1].Content)
	require.Equal(t, res.MessageCount, len(msgs))
}

func TestRunStepCeilingForcesBestEffortAnswer(t *testing.T) {
	store := state.New()
	deleg := &mockDelegator{store: store, delegateFunc: succeedAll(store)}
	nextID := 0
	rsn := &mockReasoner{
		// every cycle invents one more pending task, so work never runs out
		planFunc: func(_ context.Context, _, currentTodos string) ([]reasoner.PlannedTask, error) {
			var existing []reasoner.PlannedTask
			require.NoError(t, jsonUnmarshal(currentTodos, &existing))
			nextID++
			return append(existing, reasoner.PlannedTask{ID: nextID, Description: fmt.Sprintf("task %d", nextID), Status: "pending"}), nil
		},
		decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
			return reasoner.Decision{Op: reasoner.OpDelegate, Rationale: "more to do"}, nil
		},
		synthesizeFunc: func(_ context.Context, q string, notes []string) (string, error) {
			return "best-effort answer", nil
		},
	}

	c := New(store, rsn, deleg, Config{StepCeiling: 4, SubTaskBudget: 3})
	res, err := c.Run(context.Background(), "endless question")
	require.NoError(t, err)

	require.True(t, res.CeilingReached)
	require.Equal(t, 4, res.Steps)
	require.Len(t, deleg.batches, 4)
	require.Equal(t, "best-effort answer", res.Answer)
	require.NotZero(t, res.FilesCreated)
}

func TestRunRetriesFailedTasks(t *testing.T) {
	store := state.New()
	attempt := 0
	deleg := &mockDelegator{store: store}
	deleg.delegateFunc = func(ctx context.Context, subs []state.SubTask) ([]state.Finding, error) {
		attempt++
		if attempt == 1 {
			findings := make([]state.Finding, len(subs))
			for i, sub := range subs {
				findings[i] = state.Finding{TaskID: sub.TaskID, Summary: "doomed", Success: false, Err: "search timed out"}
			}
			return findings, nil
		}
		return succeedAll(store)(ctx, subs)
	}

	decisions := 0
	rsn := &mockReasoner{
		planFunc: staticPlan(reasoner.PlannedTask{ID: 1, Description: "flaky topic", Status: "pending"}),
		decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
			decisions++
			if decisions == 1 {
				return reasoner.Decision{Op: reasoner.OpDelegate}, nil
			}
			return reasoner.Decision{Op: reasoner.OpFinish}, nil
		},
		synthesizeFunc: func(_ context.Context, _ string, notes []string) (string, error) {
			return "final", nil
		},
	}

	c := New(store, rsn, deleg, Config{StepCeiling: 15, SubTaskBudget: 3})
	res, err := c.Run(context.Background(), "q")
	require.NoError(t, err)

	// failed task was re-delegated on the second cycle
	require.Len(t, deleg.batches, 2)
	require.Equal(t, 1, deleg.batches[1][0].TaskID)
	require.Equal(t, 2, res.Steps)
	require.Equal(t, state.TaskCompleted, store.Todos()[0].Status)
}

func TestRunSynthesisFallbackKeepsRawNotes(t *testing.T) {
	store := state.New()
	deleg := &mockDelegator{store: store, delegateFunc: succeedAll(store)}
	rsn := &mockReasoner{
		planFunc: staticPlan(reasoner.PlannedTask{ID: 1, Description: "topic", Status: "pending"}),
		decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
			return reasoner.Decision{Op: reasoner.OpFinish}, nil
		},
		synthesizeFunc: func(_ context.Context, _ string, _ []string) (string, error) {
			return "", reasoner.ErrUnavailable
		},
	}

	c := New(store, rsn, deleg, DefaultConfig())
	res, err := c.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Contains(t, res.Answer, "interrupted")
	require.Contains(t, res.Answer, "findings for topic")
}

func TestRunDispatchesStateOps(t *testing.T) {
	store := state.New()
	deleg := &mockDelegator{store: store, delegateFunc: succeedAll(store)}
	var script []reasoner.Decision
	script = append(script,
		reasoner.Decision{Op: reasoner.OpReflect, Argument: "coverage looks thin"},
		reasoner.Decision{Op: reasoner.OpReadFile, Argument: "note_1.md"},
		reasoner.Decision{Op: reasoner.OpFinish},
	)
	step := 0
	nextID := 0
	rsn := &mockReasoner{
		// keep one fresh task per cycle so the loop is steered by the
		// scripted decisions, not by running out of work
		planFunc: func(_ context.Context, _, currentTodos string) ([]reasoner.PlannedTask, error) {
			var existing []reasoner.PlannedTask
			require.NoError(t, jsonUnmarshal(currentTodos, &existing))
			nextID++
			return append(existing, reasoner.PlannedTask{ID: nextID, Description: fmt.Sprintf("task %d", nextID), Status: "pending"}), nil
		},
		decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
			d := script[step]
			step++
			return d, nil
		},
		synthesizeFunc: func(_ context.Context, _ string, _ []string) (string, error) {
			return "final", nil
		},
	}

	c := New(store, rsn, deleg, DefaultConfig())
	res, err := c.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, 3, res.Steps)

	var sawReflect, sawFileContent bool
	for _, m := range store.Messages() {
		if strings.Contains(m.Content, "[REFLECTION] coverage looks thin") {
			sawReflect = true
		}
		if m.Role == state.RoleTool && strings.Contains(m.Content, "findings for task 1") {
			sawFileContent = true
		}
	}
	require.True(t, sawReflect, "reflect op should append a tagged turn")
	require.True(t, sawFileContent, "read_file op should surface file content as a tool turn")
}

func TestRunEmptyQuestionRejected(t *testing.T) {
	c := New(state.New(), &mockReasoner{}, &mockDelegator{}, DefaultConfig())
	_, err := c.Run(context.Background(), "   ")
	require.Error(t, err)
}

func TestRunPlannerFailureStillAnswers(t *testing.T) {
	store := state.New()
	rsn := &mockReasoner{
		planFunc: func(_ context.Context, _, _ string) ([]reasoner.PlannedTask, error) {
			return nil, reasoner.ErrUnavailable
		},
		synthesizeFunc: func(_ context.Context, q string, notes []string) (string, error) {
			return "nothing gathered", nil
		},
	}

	c := New(store, rsn, &mockDelegator{}, DefaultConfig())
	res, err := c.Run(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, "nothing gathered", res.Answer)
	require.False(t, errors.Is(err, ErrStepCeiling))
}
