package state

import (
	"errors"
	"strings"
	"testing"
)

func TestWriteFileResolvesKeyFromHint(t *testing.T) {
	s := New()
	key, err := s.WriteFile("Quantum Computing Overview", "some findings")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(key, "quantum_computing_overview_") {
		t.Errorf("unexpected stem in key %q", key)
	}
	if !strings.HasSuffix(key, ".md") {
		t.Errorf("expected .md default extension, got %q", key)
	}
}

func TestWriteFileIdenticalContentIsIdempotent(t *testing.T) {
	s := New()
	k1, err := s.WriteFile("notes.md", "same content")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	k2, err := s.WriteFile("notes.md", "same content")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if k1 != k2 {
		t.Errorf("identical content produced different keys: %q vs %q", k1, k2)
	}
	if s.FileCount() != 1 {
		t.Errorf("expected 1 file, got %d", s.FileCount())
	}
}

func TestWriteFileDivergentContentGetsDistinctKeys(t *testing.T) {
	s := New()
	k1, _ := s.WriteFile("notes.md", "first version")
	k2, _ := s.WriteFile("notes.md", "second version")
	if k1 == k2 {
		t.Errorf("divergent content resolved to the same key %q", k1)
	}
	if s.FileCount() != 2 {
		t.Errorf("expected 2 files, got %d", s.FileCount())
	}
}

func TestReadFileWindows(t *testing.T) {
	s := New()
	key, err := s.WriteFile("doc.txt", "0123456789")
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name          string
		offset, limit int
		want          string
	}{
		{"whole file", 0, 0, "0123456789"},
		{"window", 2, 3, "234"},
		{"to end", 5, 0, "56789"},
		{"limit past end", 8, 100, "89"},
		{"offset at end", 10, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ReadFile(key, tc.offset, tc.limit)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if got != tc.want {
				t.Errorf("read(%d,%d) = %q, want %q", tc.offset, tc.limit, got, tc.want)
			}
		})
	}
}

func TestReadFileErrors(t *testing.T) {
	s := New()
	key, _ := s.WriteFile("doc.txt", "content")

	if _, err := s.ReadFile("missing.md", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ReadFile(key, -1, 0); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for negative offset, got %v", err)
	}
	if _, err := s.ReadFile(key, 100, 0); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for offset past end, got %v", err)
	}
	if _, err := s.ReadFile(key, 0, -5); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange for negative limit, got %v", err)
	}
}

func TestRewriteRequiresExistingKey(t *testing.T) {
	s := New()
	key, _ := s.WriteFile("doc.txt", "v1")

	if err := s.Rewrite(key, "v2"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, _ := s.ReadFile(key, 0, 0)
	if got != "v2" {
		t.Errorf("rewrite not applied: %q", got)
	}

	if err := s.Rewrite("missing.md", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileKeysSortedSnapshot(t *testing.T) {
	s := New()
	s.WriteFile("zebra.md", "z")
	s.WriteFile("alpha.md", "a")

	keys := s.FileKeys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if keys[0] > keys[1] {
		t.Errorf("keys not sorted: %v", keys)
	}

	// later writes must not affect the returned slice
	s.WriteFile("middle.md", "m")
	if len(keys) != 2 {
		t.Errorf("snapshot slice grew: %v", keys)
	}
}

func TestMergeFilesIdempotentOnIdenticalContent(t *testing.T) {
	s := New()
	key, _ := s.WriteFile("shared.md", "agreed content")

	err := s.MergeFiles([]FileEntry{{Key: key, Content: "agreed content"}})
	if err != nil {
		t.Fatalf("idempotent merge should succeed: %v", err)
	}
	if s.FileCount() != 1 {
		t.Errorf("expected 1 file after idempotent merge, got %d", s.FileCount())
	}
}

func TestMergeFilesConflictLeavesPreConflictState(t *testing.T) {
	s := New()
	key, _ := s.WriteFile("shared.md", "original")
	rev := s.Revision()

	err := s.MergeFiles([]FileEntry{
		{Key: "new_note.md", Content: "fresh"},
		{Key: key, Content: "divergent"},
	})
	if !IsKeyConflict(err) {
		t.Fatalf("expected KeyConflictError, got %v", err)
	}
	var kc *KeyConflictError
	errors.As(err, &kc)
	if kc.Key != key {
		t.Errorf("conflict reported wrong key: %q", kc.Key)
	}

	// nothing applied, not even the non-conflicting entry
	if s.FileCount() != 1 {
		t.Errorf("partial merge applied: %d files", s.FileCount())
	}
	got, _ := s.ReadFile(key, 0, 0)
	if got != "original" {
		t.Errorf("conflict clobbered content: %q", got)
	}
	if s.Revision() != rev {
		t.Errorf("failed merge advanced revision")
	}
}

func TestMergeFilesConflictWithinBatch(t *testing.T) {
	s := New()
	err := s.MergeFiles([]FileEntry{
		{Key: "same.md", Content: "one"},
		{Key: "same.md", Content: "two"},
	})
	if !IsKeyConflict(err) {
		t.Fatalf("expected in-batch KeyConflictError, got %v", err)
	}
	if s.FileCount() != 0 {
		t.Errorf("conflicting batch partially applied")
	}
}

func TestResolveKeyDeterministic(t *testing.T) {
	a := ResolveKey("My Topic.md", "body")
	b := ResolveKey("My Topic.md", "body")
	if a != b {
		t.Errorf("same hint+content resolved differently: %q vs %q", a, b)
	}
	c := ResolveKey("My Topic.md", "other body")
	if a == c {
		t.Errorf("different content resolved to the same key %q", a)
	}
}
