package state

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a read of a file key that was never written.
	ErrNotFound = errors.New("file key not found")

	// ErrInvalidRange indicates a file read with an offset or limit that
	// falls outside the content.
	ErrInvalidRange = errors.New("invalid read range")

	// ErrInvalidTransition indicates a task status moving backwards.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrStoreClosed indicates a mutation after the store was closed.
	ErrStoreClosed = errors.New("session store closed")
)

// KeyConflictError reports two divergent writes racing on the same file key
// within a merge. The store keeps the pre-conflict content for the key.
type KeyConflictError struct {
	Key string
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("key conflict: divergent content for %q", e.Key)
}

// IsKeyConflict reports whether err is (or wraps) a KeyConflictError.
func IsKeyConflict(err error) bool {
	var kc *KeyConflictError
	return errors.As(err, &kc)
}
