// Package hooks implements the agent run's Hook Bus: three typed families
// of callbacks (observers, interceptors, controllers) invoked at stable
// call sites in the Agent Loop and Scheduler (spec.md §4.9).
package hooks

import (
	"context"
	"time"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// Priority determines the order handlers of the same family/call-site run
// when registration order alone isn't expressive enough; the Bus still
// falls back to registration order within equal priority (spec.md §4.9:
// "invoked in registration order").
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration is the handle returned by a register call, and the shape a
// gadget descriptor's SubagentHooks field carries to explicitly pass
// bundled observers down into a nested agent loop (see DESIGN.md's Open
// Question decision on subagent hook inheritance).
type Registration struct {
	ID       string
	CallSite string
	Priority Priority
	Name     string
}

// IterationEvent accompanies beforeIteration.
type IterationEvent struct {
	Iteration int
	CostSoFar float64
}

// Usage mirrors the provider usage shape the Agent Loop folds into
// costSoFar; pricing/token-counting tables themselves are an embedder
// concern (Non-goal) — this is just the numbers the loop already has.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// LLMCallEvent accompanies onLLMCallStart/onLLMCallReady/onLLMCallComplete/onLLMCallError.
type LLMCallEvent struct {
	Iteration int
	Messages  []*models.Message
	Err       error
	Usage     Usage
}

// ChunkEvent accompanies onChunk.
type ChunkEvent struct {
	Iteration int
	Raw       string
}

// GadgetEvent accompanies onGadgetStart/onGadgetComplete/onGadgetSkipped.
type GadgetEvent struct {
	Iteration    int
	GadgetName   string
	InvocationID string
	Parameters   map[string]any
	Result       string
	Err          error
	ElapsedMs    int64
	SkipReason   string
}

// CompactionEvent accompanies onCompaction.
type CompactionEvent struct {
	Iteration      int
	Strategy       string
	MessagesBefore int
	MessagesAfter  int
	TokensBefore   int
	TokensAfter    int
	Summary        string
}

// RetryEvent accompanies onRetryAttempt/onRateLimitThrottle.
type RetryEvent struct {
	Iteration int
	Attempt   int
	Err       error
	Delay     time.Duration
}

// ActionKind discriminates the decision a Controller returns.
type ActionKind string

const (
	ActionProceed ActionKind = "proceed"
	ActionSkip    ActionKind = "skip"
	ActionAbort   ActionKind = "abort"
	ActionRetry   ActionKind = "retry"
	ActionReplace ActionKind = "replace"
)

// Action is the tagged-union result every Controller callback returns.
// Replacement is populated only for ActionReplace and its meaning is
// call-site specific (e.g. a replacement message slice, a replacement
// gadget result).
type Action struct {
	Kind        ActionKind
	Replacement any
	Reason      string
}

// Proceed is the zero-cost default action most controllers return.
func Proceed() Action { return Action{Kind: ActionProceed} }

// ObserverFunc is a fire-and-forget callback. It may return an error,
// which the Bus logs but never lets block the call site.
type ObserverFunc[T any] func(ctx context.Context, ev T) error

// InterceptorFunc is a pure transform: it receives the current value and
// returns the (possibly modified) value to use going forward.
type InterceptorFunc[T any] func(ctx context.Context, value T) (T, error)

// ControllerFunc decides whether/how the call site proceeds.
type ControllerFunc[T any] func(ctx context.Context, ev T) (Action, error)
