package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"deepresearch/internal/logging"
)

// Op is one of the operations a reasoning step may request. The set is
// closed: anything the model emits outside it degrades to OpFinish.
type Op string

const (
	OpSearch     Op = "search"
	OpWriteFile  Op = "write_file"
	OpReadFile   Op = "read_file"
	OpReflect    Op = "reflect"
	OpWriteTodos Op = "write_todos"
	OpReadTodos  Op = "read_todos"
	OpDelegate   Op = "delegate"
	OpFinish     Op = "finish"
)

var knownOps = map[Op]bool{
	OpSearch:     true,
	OpWriteFile:  true,
	OpReadFile:   true,
	OpReflect:    true,
	OpWriteTodos: true,
	OpReadTodos:  true,
	OpDelegate:   true,
	OpFinish:     true,
}

// Decision is the parsed outcome of a reasoning step.
type Decision struct {
	Op        Op     `json:"op"`
	Argument  string `json:"argument"` // query, key, or observation depending on Op
	Rationale string `json:"rationale"`
}

// PlannedTask is one todo item proposed by the planner.
type PlannedTask struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// summarizeFallbackLimit bounds the raw-content fallback when structured
// summarization fails.
const summarizeFallbackLimit = 1000

// Reasoner turns completions into structured orchestration decisions.
type Reasoner struct {
	client Client
}

// New creates a Reasoner on top of any Client.
func New(client Client) *Reasoner {
	return &Reasoner{client: client}
}

const decideSystem = `You are the reasoning step of a research agent.
Respond with a single JSON object and nothing else:
{"op": "...", "argument": "...", "rationale": "..."}
op must be one of: search, write_file, read_file, reflect, write_todos, read_todos, delegate, finish.
Use "search" with the next query as argument to keep researching.
Use "finish" when the gathered material answers the question.`

// Decide asks the model what to do next given the current situation.
// Malformed output is never an error: it degrades to a finish decision so a
// confused model ends a loop instead of wedging it.
func (r *Reasoner) Decide(ctx context.Context, situation string) (Decision, error) {
	raw, err := r.client.CompleteWithSystem(ctx, decideSystem, situation)
	if err != nil {
		return Decision{}, fmt.Errorf("decide: %w", err)
	}
	return ParseDecision(raw), nil
}

// ParseDecision extracts a Decision from model output. Unknown ops and
// unparseable output both collapse to OpFinish carrying the raw text.
func ParseDecision(raw string) Decision {
	var d Decision
	obj := extractJSON(raw)
	if obj == "" || json.Unmarshal([]byte(obj), &d) != nil || !knownOps[d.Op] {
		logging.ReasonerDebug("unparseable decision, defaulting to finish: %.120s", raw)
		return Decision{Op: OpFinish, Rationale: truncate(raw, 500)}
	}
	return d
}

const summarizeSystem = `You summarize a web page for a research note.
Respond with a single JSON object and nothing else:
{"filename": "short_descriptive_name", "summary": "the key findings relevant to the query"}`

// Summarize condenses page content into a note and a filename hint. On
// failure the note is the raw content truncated, so a bad completion still
// yields usable material.
func (r *Reasoner) Summarize(ctx context.Context, query, content string) (hint, summary string) {
	prompt := fmt.Sprintf("Query: %s\n\nPage content:\n%s", query, truncate(content, 30000))
	raw, err := r.client.CompleteWithSystem(ctx, summarizeSystem, prompt)
	if err != nil {
		logging.Get(logging.CategoryReasoner).Warn("summarize failed, using truncated content: %v", err)
		return "search_result", truncate(content, summarizeFallbackLimit)
	}

	var parsed struct {
		Filename string `json:"filename"`
		Summary  string `json:"summary"`
	}
	obj := extractJSON(raw)
	if obj == "" || json.Unmarshal([]byte(obj), &parsed) != nil || parsed.Summary == "" {
		return "search_result", truncate(content, summarizeFallbackLimit)
	}
	if parsed.Filename == "" {
		parsed.Filename = "search_result"
	}
	return parsed.Filename, parsed.Summary
}

const planSystem = `You break a research question into concrete sub-tasks.
Respond with a single JSON array and nothing else:
[{"id": 1, "description": "...", "status": "pending"}, ...]
Keep existing tasks (same id, same description) and their statuses.
Add at most 3 new pending tasks. New ids must be larger than every existing id.`

// Plan proposes the next version of the todo list. currentTodos is the
// JSON-encoded existing list, empty on the first cycle.
func (r *Reasoner) Plan(ctx context.Context, question, currentTodos string) ([]PlannedTask, error) {
	prompt := fmt.Sprintf("Research question: %s\n\nCurrent task list (JSON): %s", question, currentTodos)
	raw, err := r.client.CompleteWithSystem(ctx, planSystem, prompt)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	arr := extractJSONArray(raw)
	if arr == "" {
		return nil, fmt.Errorf("plan: no JSON array in completion")
	}
	var tasks []PlannedTask
	if err := json.Unmarshal([]byte(arr), &tasks); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return tasks, nil
}

const synthesizeSystem = `You write the final answer to a research question.
Use only the research notes provided. Be direct and complete. Plain text.`

// Synthesize produces the final answer from collected notes. With no notes
// at all it still returns a best-effort statement rather than failing.
func (r *Reasoner) Synthesize(ctx context.Context, question string, notes []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nNotes:\n", question)
	if len(notes) == 0 {
		b.WriteString("(no notes were collected)\n")
	}
	for i, n := range notes {
		fmt.Fprintf(&b, "--- note %d ---\n%s\n", i+1, truncate(n, 8000))
	}

	answer, err := r.client.CompleteWithSystem(ctx, synthesizeSystem, b.String())
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// extractJSON returns the first balanced {...} object in s, tolerating
// markdown fences and prose around it.
func extractJSON(s string) string {
	return extractBalanced(s, '{', '}')
}

// extractJSONArray returns the first balanced [...] array in s.
func extractJSONArray(s string) string {
	return extractBalanced(s, '[', ']')
}

func extractBalanced(s string, opener, closer byte) string {
	start := strings.IndexByte(s, opener)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
