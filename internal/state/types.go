package state

import "time"

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the session history. History is append-only.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// FileEntry is a note in the virtual file store. Keys are resolved by the
// store; content is opaque text.
type FileEntry struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus is the lifecycle state of a todo item.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// rank orders statuses so regressions are detectable. Skipping forward
// (pending straight to completed) is legal.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskInProgress:
		return 1
	case TaskCompleted:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the three known statuses.
func (s TaskStatus) Valid() bool {
	return s.rank() >= 0
}

// Task is one todo item. IDs are assigned once and never reused.
type Task struct {
	ID          int        `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
}

// SubTask is a unit of research work handed to a sub-agent runner.
type SubTask struct {
	TaskID int    `json:"task_id"` // originating todo item, 0 if ad hoc
	Prompt string `json:"prompt"`
	Budget int    `json:"budget"` // max act/reflect iterations
}

// Finding is a sub-agent's report. Failed runs still produce a Finding with
// Success=false and the failure in Err; they never surface as panics or
// aborted batches.
type Finding struct {
	TaskID   int      `json:"task_id"`
	Summary  string   `json:"summary"`
	FileKeys []string `json:"file_keys"`
	Success  bool     `json:"success"`
	Err      string   `json:"error,omitempty"`
}

// Snapshot is a deep, point-in-time copy of the session state. Mutating a
// snapshot never affects the live store.
type Snapshot struct {
	Messages []Message
	Files    map[string]FileEntry
	Todos    []Task
	Revision uint64
}
