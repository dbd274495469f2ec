package agent

import "context"

// LLMProvider is the narrow-interface collaborator the core needs from a
// model backend (spec.md §6 Non-goals: provider adapters/transport are out
// of scope here — only this interface shape is). Implementations decide
// how `{provider, modelId}` parsed from a `"<provider>:<modelId>"` string
// map to an actual API call.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The
	// returned channel is closed once a chunk with FinishReason set (or
	// Err non-nil) has been sent.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name (e.g. "anthropic", "openai").
	Name() string

	// Models returns the models this provider exposes.
	Models() []Model
}

// CompletionRequest is everything the Stream Processor hands the provider
// for one non-branching completion call. Messages already include the
// gadget catalogue rendered into the system prompt by the caller — the
// core does not own prompt templating (Non-goal).
type CompletionRequest struct {
	Model                string
	System               string
	Messages             []CompletionMessage
	MaxTokens            int
	Temperature          float64
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// CompletionMessage is one prompt message. Gadget calls and results are
// not modeled as separate structured fields here: they travel as plain
// text (sentinel blocks for assistant turns, the rendered gadget-result
// block for user turns) since the wire protocol with the model is the
// sentinel text format, not provider-native function calling (spec.md §6).
type CompletionMessage struct {
	Role    string
	Content string
}

// Usage reports token accounting for a completion (spec.md §6). Values on
// intermediate chunks are estimates; the values on the chunk that carries
// FinishReason are authoritative.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	TotalTokens       int
	CachedInputTokens int
}

// CompletionChunk is one element of the provider's streamed response.
// Exactly the fields relevant to the chunk's content are populated; a
// chunk may carry text, a usage update, neither, or both. FinishReason is
// only set on the terminal chunk.
type CompletionChunk struct {
	Text         string
	Usage        *Usage
	FinishReason string
	Err          error
}

// Model describes one model a provider exposes.
type Model struct {
	ID             string
	Name           string
	ContextWindow  int
	SupportsVision bool
}
