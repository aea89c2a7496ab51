// Package reasoner wraps the LLM behind the small set of reasoning calls the
// orchestrator needs: planning, per-result summarization, continue/stop
// decisions, and final synthesis.
package reasoner

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the model endpoint could not produce a
// completion (transport failure, 5xx, or rejected request).
var ErrUnavailable = errors.New("reasoner unavailable")

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
