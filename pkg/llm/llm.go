// Package llm defines the minimal LLM surface used by the caption pipeline.
//
// The pipeline issues only short single-shot completions (tone detection,
// sentence boundary picks, topic summaries), so the interface is a single
// Complete call. Implementations must be safe for concurrent use and must
// honor context cancellation.
package llm

import "context"

// Request is a single-shot completion request.
type Request struct {
	// System is an optional system prompt injected before the user prompt.
	System string

	// Prompt is the user message driving the completion. Must be non-empty.
	Prompt string

	// Temperature is always sent to the backend; zero requests greedy
	// decoding, which the deterministic classification prompts rely on.
	Temperature float64

	// MaxTokens caps the completion length. Zero means backend default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
//
// Complete sends req and returns the full text of the reply. When ctx is
// cancelled the call must return promptly with ctx.Err() wrapped.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}
