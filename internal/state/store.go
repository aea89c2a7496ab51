// Package state holds all session state shared between the controller and
// its sub-agents: the message history, the virtual file store, and the todo
// list. Every mutation runs inside a single serialized critical section, so
// readers always observe a consistent snapshot and writers never interleave.
package state

import (
	"fmt"
	"sync"
	"time"

	"deepresearch/internal/logging"
)

// Store is the shared session state. The zero value is not usable; call New.
type Store struct {
	mu       sync.RWMutex
	closed   bool
	history  []Message
	files    map[string]FileEntry
	todos    []Task
	maxTask  int    // highest task ID ever accepted
	revision uint64 // bumps once per successful mutation
}

// New returns an empty session store.
func New() *Store {
	return &Store{
		files: make(map[string]FileEntry),
	}
}

// AppendMessage adds a message to the history. The history is append-only;
// there is no way to edit or remove a turn.
func (s *Store) AppendMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.history = append(s.history, msg)
	s.revision++
	logging.StateDebug("message appended: role=%s len=%d rev=%d", msg.Role, len(msg.Content), s.revision)
	return nil
}

// Reflect records an observation as a tagged assistant turn. The call is
// synchronous: when it returns, the reflection is visible to every
// subsequent reader.
func (s *Store) Reflect(observation string) error {
	return s.AppendMessage(Message{
		Role:    RoleAssistant,
		Content: "[REFLECTION] " + observation,
	})
}

// ReplaceTodos atomically swaps the entire todo list. IDs must be strictly
// increasing within the list, IDs never seen before must be greater than
// every ID already issued, and no surviving task may move backwards in
// status. On any violation nothing is applied.
func (s *Store) ReplaceTodos(tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	current := make(map[int]TaskStatus, len(s.todos))
	for _, t := range s.todos {
		current[t.ID] = t.Status
	}

	prevID := 0
	maxTask := s.maxTask
	for _, t := range tasks {
		if !t.Status.Valid() {
			return fmt.Errorf("task %d: unknown status %q: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		if t.ID <= prevID {
			return fmt.Errorf("task IDs must be strictly increasing, got %d after %d: %w", t.ID, prevID, ErrInvalidTransition)
		}
		prevID = t.ID
		if old, ok := current[t.ID]; ok {
			if t.Status.rank() < old.rank() {
				return fmt.Errorf("task %d: %s -> %s: %w", t.ID, old, t.Status, ErrInvalidTransition)
			}
		} else if t.ID <= s.maxTask {
			return fmt.Errorf("task ID %d reuses a retired ID: %w", t.ID, ErrInvalidTransition)
		}
		if t.ID > maxTask {
			maxTask = t.ID
		}
	}

	s.todos = make([]Task, len(tasks))
	copy(s.todos, tasks)
	s.maxTask = maxTask
	s.revision++
	logging.StateDebug("todos replaced: %d tasks rev=%d", len(tasks), s.revision)
	return nil
}

// Todos returns a copy of the current todo list.
func (s *Store) Todos() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, len(s.todos))
	copy(out, s.todos)
	return out
}

// Messages returns a copy of the history.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// MessageCount returns the number of history turns.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Revision returns the mutation counter. It only ever moves forward and is
// for observability, not concurrency control.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Snapshot returns a deep copy of everything: messages, files, todos, and
// the revision they were taken at.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Messages: make([]Message, len(s.history)),
		Files:    make(map[string]FileEntry, len(s.files)),
		Todos:    make([]Task, len(s.todos)),
		Revision: s.revision,
	}
	copy(snap.Messages, s.history)
	copy(snap.Todos, s.todos)
	for k, v := range s.files {
		snap.Files[k] = v
	}
	return snap
}

// Close marks the store unusable. Every later mutation fails with
// ErrStoreClosed; reads keep working so a partial answer can still be
// synthesized from whatever was captured.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	logging.State("store closed at rev=%d", s.revision)
}
