package subagent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"deepresearch/internal/reasoner"
	"deepresearch/internal/search"
	"deepresearch/internal/state"
)

// mockProvider is a func-field test double for search.Provider.
type mockProvider struct {
	searchFunc func(ctx context.Context, query string) ([]search.Result, error)
	calls      int
	queries    []string
}

func (m *mockProvider) Search(ctx context.Context, query string) ([]search.Result, error) {
	m.calls++
	m.queries = append(m.queries, query)
	return m.searchFunc(ctx, query)
}

// mockReasoner is a func-field test double for Reasoner.
type mockReasoner struct {
	decideFunc func(ctx context.Context, situation string) (reasoner.Decision, error)
	decides    int
}

func (m *mockReasoner) Decide(ctx context.Context, situation string) (reasoner.Decision, error) {
	m.decides++
	return m.decideFunc(ctx, situation)
}

func (m *mockReasoner) Summarize(ctx context.Context, query, content string) (string, string) {
	return "note_" + strings.Fields(query)[0], "summary of " + query
}

func oneResult(query string) []search.Result {
	return []search.Result{{
		Title:      "Result for " + query,
		URL:        "https://example.com/" + strings.Fields(query)[0],
		Snippet:    "snippet about " + query,
		RawContent: "full text about " + query,
	}}
}

func testConfig() Config {
	return Config{ID: "test-runner", Budget: 3, CallTimeout: time.Second}
}

func TestRunBudgetForcesReporting(t *testing.T) {
	provider := &mockProvider{searchFunc: func(_ context.Context, q string) ([]search.Result, error) {
		return oneResult(q), nil
	}}
	// reasoner always wants another search; only the budget can stop it
	rsn := &mockReasoner{decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
		return reasoner.Decision{Op: reasoner.OpSearch, Argument: "refined query"}, nil
	}}
	store := state.New()

	runner := New(testConfig(), provider, rsn, store, nil)
	res := runner.Run(context.Background(), state.SubTask{TaskID: 1, Prompt: "initial query", Budget: 3})

	if !res.Finding.Success {
		t.Fatalf("expected success, got failure: %s", res.Finding.Err)
	}
	if provider.calls != 3 {
		t.Errorf("expected exactly 3 searches (budget), got %d", provider.calls)
	}
	// no decision call after the final iteration
	if rsn.decides != 2 {
		t.Errorf("expected 2 decision calls, got %d", rsn.decides)
	}
	if runner.State() != StateDone {
		t.Errorf("expected done, got %s", runner.State())
	}
	if len(res.Entries) != 3 {
		t.Errorf("expected 3 staged entries, got %d", len(res.Entries))
	}
	if len(res.Finding.FileKeys) != len(res.Entries) {
		t.Errorf("file keys (%d) do not match entries (%d)", len(res.Finding.FileKeys), len(res.Entries))
	}
}

func TestRunStopsWhenReasonerFinishes(t *testing.T) {
	provider := &mockProvider{searchFunc: func(_ context.Context, q string) ([]search.Result, error) {
		return oneResult(q), nil
	}}
	rsn := &mockReasoner{decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
		return reasoner.Decision{Op: reasoner.OpFinish, Rationale: "enough"}, nil
	}}

	runner := New(testConfig(), provider, rsn, state.New(), nil)
	res := runner.Run(context.Background(), state.SubTask{Prompt: "query one", Budget: 3})

	if provider.calls != 1 {
		t.Errorf("expected 1 search, got %d", provider.calls)
	}
	if !res.Finding.Success {
		t.Errorf("expected success")
	}
}

func TestRunFollowsRefinedQueries(t *testing.T) {
	provider := &mockProvider{searchFunc: func(_ context.Context, q string) ([]search.Result, error) {
		return oneResult(q), nil
	}}
	step := 0
	rsn := &mockReasoner{decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
		step++
		return reasoner.Decision{Op: reasoner.OpSearch, Argument: fmt.Sprintf("refinement %d", step)}, nil
	}}

	runner := New(testConfig(), provider, rsn, state.New(), nil)
	runner.Run(context.Background(), state.SubTask{Prompt: "seed query", Budget: 3})

	want := []string{"seed query", "refinement 1", "refinement 2"}
	for i, q := range want {
		if provider.queries[i] != q {
			t.Errorf("query %d = %q, want %q", i, provider.queries[i], q)
		}
	}
}

func TestRunSearchFailureProducesFailedFinding(t *testing.T) {
	provider := &mockProvider{searchFunc: func(_ context.Context, q string) ([]search.Result, error) {
		return nil, search.ErrTimeout
	}}
	rsn := &mockReasoner{decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
		return reasoner.Decision{Op: reasoner.OpSearch, Argument: "x"}, nil
	}}

	runner := New(testConfig(), provider, rsn, state.New(), nil)
	res := runner.Run(context.Background(), state.SubTask{TaskID: 7, Prompt: "doomed", Budget: 3})

	if res.Finding.Success {
		t.Fatal("expected failure")
	}
	if res.Finding.TaskID != 7 {
		t.Errorf("finding lost its task id: %d", res.Finding.TaskID)
	}
	if !strings.Contains(res.Finding.Err, "search timed out") {
		t.Errorf("error not captured: %q", res.Finding.Err)
	}
	if runner.State() != StateFailed {
		t.Errorf("expected failed state, got %s", runner.State())
	}
}

func TestRunFailureKeepsEarlierEntries(t *testing.T) {
	call := 0
	provider := &mockProvider{searchFunc: func(_ context.Context, q string) ([]search.Result, error) {
		call++
		if call >= 2 {
			return nil, search.ErrRateLimited
		}
		return oneResult(q), nil
	}}
	rsn := &mockReasoner{decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
		return reasoner.Decision{Op: reasoner.OpSearch, Argument: "second query"}, nil
	}}

	runner := New(testConfig(), provider, rsn, state.New(), nil)
	res := runner.Run(context.Background(), state.SubTask{Prompt: "first query", Budget: 3})

	if res.Finding.Success {
		t.Fatal("expected failure")
	}
	if len(res.Entries) != 1 {
		t.Errorf("entries from the completed iteration should survive, got %d", len(res.Entries))
	}
}

func TestRunRecordsReflections(t *testing.T) {
	provider := &mockProvider{searchFunc: func(_ context.Context, q string) ([]search.Result, error) {
		return oneResult(q), nil
	}}
	rsn := &mockReasoner{decideFunc: func(_ context.Context, _ string) (reasoner.Decision, error) {
		return reasoner.Decision{Op: reasoner.OpFinish}, nil
	}}
	store := state.New()

	runner := New(testConfig(), provider, rsn, store, nil)
	runner.Run(context.Background(), state.SubTask{Prompt: "query", Budget: 2})

	msgs := store.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reflection, got %d messages", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Content, "[REFLECTION] ") {
		t.Errorf("reflection not tagged: %q", msgs[0].Content)
	}
}
