package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"deepresearch/internal/logging"
)

// fingerprintLen is the number of hex chars of the content hash embedded in
// a resolved key. Identical content always resolves to the same key, which
// is what makes duplicate merges idempotent.
const fingerprintLen = 8

// ResolveKey turns a caller-supplied key hint into a stable file key:
// sanitized stem, content fingerprint, extension. Hints with no extension
// get ".md".
func ResolveKey(hint, content string) string {
	ext := path.Ext(hint)
	stem := strings.TrimSuffix(hint, ext)
	if ext == "" {
		ext = ".md"
	}
	stem = sanitizeStem(stem)
	if stem == "" {
		stem = "note"
	}
	return fmt.Sprintf("%s_%s%s", stem, fingerprint(content), ext)
}

func fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

func sanitizeStem(stem string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(stem) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// WriteFile stores content under a key resolved from the hint and returns
// the key. Writing identical content twice returns the same key and leaves
// one entry. A fingerprint collision with divergent content (vanishingly
// rare) gets a random suffix instead of clobbering.
func (s *Store) WriteFile(keyHint, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	key := ResolveKey(keyHint, content)
	if existing, ok := s.files[key]; ok {
		if existing.Content == content {
			return key, nil
		}
		ext := path.Ext(key)
		key = fmt.Sprintf("%s_%s%s", strings.TrimSuffix(key, ext), uuid.NewString()[:8], ext)
	}

	s.files[key] = FileEntry{Key: key, Content: content, CreatedAt: time.Now()}
	s.revision++
	logging.FilesDebug("wrote %s (%d bytes) rev=%d", key, len(content), s.revision)
	return key, nil
}

// Rewrite replaces the content of an existing key. This is the only way to
// change a key's content; it fails with ErrNotFound rather than creating.
func (s *Store) Rewrite(key, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	entry, ok := s.files[key]
	if !ok {
		return fmt.Errorf("rewrite %q: %w", key, ErrNotFound)
	}
	entry.Content = content
	s.files[key] = entry
	s.revision++
	logging.FilesDebug("rewrote %s (%d bytes) rev=%d", key, len(content), s.revision)
	return nil
}

// ReadFile returns a windowed view of a file's content. offset is a byte
// position; limit <= 0 means "to the end". An offset past the end or a
// negative offset is ErrInvalidRange.
func (s *Store) ReadFile(key string, offset, limit int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.files[key]
	if !ok {
		return "", fmt.Errorf("read %q: %w", key, ErrNotFound)
	}
	if offset < 0 || offset > len(entry.Content) {
		return "", fmt.Errorf("read %q: offset %d outside 0..%d: %w", key, offset, len(entry.Content), ErrInvalidRange)
	}
	if limit < 0 {
		return "", fmt.Errorf("read %q: negative limit %d: %w", key, limit, ErrInvalidRange)
	}
	end := len(entry.Content)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return entry.Content[offset:end], nil
}

// FileKeys returns the sorted keys present at the moment of the call. The
// slice is a snapshot; later writes do not invalidate it.
func (s *Store) FileKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.files))
	for k := range s.files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FileCount returns the number of stored files.
func (s *Store) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// MergeFiles applies a batch of entries all-or-nothing. An entry whose key
// already holds identical content is a no-op. An entry whose key holds
// divergent content, either in the store or earlier in the same batch,
// fails the whole merge with a KeyConflictError and nothing is applied.
func (s *Store) MergeFiles(entries []FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Validation pass before any write
	staged := make(map[string]string, len(entries))
	for _, e := range entries {
		if existing, ok := s.files[e.Key]; ok && existing.Content != e.Content {
			return &KeyConflictError{Key: e.Key}
		}
		if prev, ok := staged[e.Key]; ok && prev != e.Content {
			return &KeyConflictError{Key: e.Key}
		}
		staged[e.Key] = e.Content
	}

	applied := 0
	for _, e := range entries {
		if _, ok := s.files[e.Key]; ok {
			continue // identical content, already validated
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		s.files[e.Key] = e
		applied++
	}
	if applied > 0 {
		s.revision++
	}
	logging.FilesDebug("merged %d/%d entries rev=%d", applied, len(entries), s.revision)
	return nil
}
