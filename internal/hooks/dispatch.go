package hooks

import (
	"context"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// FireBeforeIteration runs the beforeIteration controller chain. The
// Agent Loop aborts/skips/retries the iteration per the returned Action.
func (b *Bus) FireBeforeIteration(ctx context.Context, ev IterationEvent) (Action, error) {
	b.mu.RLock()
	list := b.beforeIterationController
	b.mu.RUnlock()
	return dispatchControllers(ctx, list, ev)
}

// FireOnLLMCallStart notifies observers that a provider stream is about
// to begin.
func (b *Bus) FireOnLLMCallStart(ctx context.Context, ev LLMCallEvent) {
	b.mu.RLock()
	list := b.onLLMCallStart
	b.mu.RUnlock()
	dispatchObservers(ctx, b, list, ev)
}

// FireOnLLMCallReady runs the onLLMCallReady observer list, then the
// messageInterceptor chain (which may rewrite the outgoing messages),
// then the llmCallController chain (which may veto/retry/replace the
// call). Returns the final message slice and the controller's decision.
func (b *Bus) FireOnLLMCallReady(ctx context.Context, ev LLMCallEvent) ([]*models.Message, Action, error) {
	b.mu.RLock()
	observers := b.onLLMCallReady
	interceptors := b.messageInterceptor
	controllers := b.llmCallController
	b.mu.RUnlock()

	dispatchObservers(ctx, b, observers, ev)

	messages, err := dispatchInterceptors(ctx, interceptors, ev.Messages)
	if err != nil {
		return ev.Messages, Action{}, err
	}

	action, err := dispatchControllers(ctx, controllers, ev)
	return messages, action, err
}

// FireOnLLMCallComplete runs the onLLMCallComplete observers followed by
// the afterLLMCallController chain.
func (b *Bus) FireOnLLMCallComplete(ctx context.Context, ev LLMCallEvent) (Action, error) {
	b.mu.RLock()
	observers := b.onLLMCallComplete
	controllers := b.afterLLMCallController
	b.mu.RUnlock()

	dispatchObservers(ctx, b, observers, ev)
	return dispatchControllers(ctx, controllers, ev)
}

// FireOnLLMCallError runs the onLLMCallError observers followed by the
// llmErrorController chain, which decides retry/abort for the Agent Loop.
func (b *Bus) FireOnLLMCallError(ctx context.Context, ev LLMCallEvent) (Action, error) {
	b.mu.RLock()
	observers := b.onLLMCallError
	controllers := b.llmErrorController
	b.mu.RUnlock()

	dispatchObservers(ctx, b, observers, ev)
	return dispatchControllers(ctx, controllers, ev)
}

// FireOnChunk runs the onChunk observers and the chunkInterceptor chain,
// returning the (possibly rewritten) raw chunk text.
func (b *Bus) FireOnChunk(ctx context.Context, ev ChunkEvent) (string, error) {
	b.mu.RLock()
	observers := b.onChunk
	interceptors := b.chunkInterceptor
	b.mu.RUnlock()

	dispatchObservers(ctx, b, observers, ev)
	return dispatchInterceptors(ctx, interceptors, ev.Raw)
}

// FireBeforeGadgetExecution runs the onGadgetStart observers, the
// gadgetParameterInterceptor chain, and the
// beforeGadgetExecutionController chain. Returns the (possibly
// rewritten) parameters and the controller's decision.
func (b *Bus) FireBeforeGadgetExecution(ctx context.Context, ev GadgetEvent) (map[string]any, Action, error) {
	b.mu.RLock()
	observers := b.onGadgetStart
	interceptors := b.gadgetParameterInterceptor
	controllers := b.beforeGadgetExecutionController
	b.mu.RUnlock()

	dispatchObservers(ctx, b, observers, ev)

	params, err := dispatchInterceptors(ctx, interceptors, ev.Parameters)
	if err != nil {
		return ev.Parameters, Action{}, err
	}

	action, err := dispatchControllers(ctx, controllers, ev)
	return params, action, err
}

// FireAfterGadgetExecution runs the onGadgetComplete observers, the
// gadgetResultInterceptor chain, and the afterGadgetExecutionController
// chain. Returns the (possibly rewritten) result and the decision.
func (b *Bus) FireAfterGadgetExecution(ctx context.Context, ev GadgetEvent, result GadgetResult) (GadgetResult, Action, error) {
	b.mu.RLock()
	observers := b.onGadgetComplete
	interceptors := b.gadgetResultInterceptor
	controllers := b.afterGadgetExecutionController
	b.mu.RUnlock()

	dispatchObservers(ctx, b, observers, ev)

	result, err := dispatchInterceptors(ctx, interceptors, result)
	if err != nil {
		return result, Action{}, err
	}

	action, err := dispatchControllers(ctx, controllers, ev)
	return result, action, err
}

// FireOnGadgetSkipped notifies observers that a gadget was skipped
// because a dependency failed or was itself skipped.
func (b *Bus) FireOnGadgetSkipped(ctx context.Context, ev GadgetEvent) {
	b.mu.RLock()
	list := b.onGadgetSkipped
	b.mu.RUnlock()
	dispatchObservers(ctx, b, list, ev)
}

// FireDependencySkip runs the dependencySkipController chain, letting an
// embedder override the default skip-on-failed-dependency behavior.
func (b *Bus) FireDependencySkip(ctx context.Context, ev GadgetEvent) (Action, error) {
	b.mu.RLock()
	list := b.dependencySkipController
	b.mu.RUnlock()
	return dispatchControllers(ctx, list, ev)
}

// FireOnCompaction notifies observers that compaction ran.
func (b *Bus) FireOnCompaction(ctx context.Context, ev CompactionEvent) {
	b.mu.RLock()
	list := b.onCompaction
	b.mu.RUnlock()
	dispatchObservers(ctx, b, list, ev)
}

// FireOnRetryAttempt notifies observers of a retry attempt after a
// transient provider error.
func (b *Bus) FireOnRetryAttempt(ctx context.Context, ev RetryEvent) {
	b.mu.RLock()
	list := b.onRetryAttempt
	b.mu.RUnlock()
	dispatchObservers(ctx, b, list, ev)
}

// FireOnRateLimitThrottle notifies observers specifically of a rate-limit
// backoff, distinct from other transient-error retries.
func (b *Bus) FireOnRateLimitThrottle(ctx context.Context, ev RetryEvent) {
	b.mu.RLock()
	list := b.onRateLimitThrottle
	b.mu.RUnlock()
	dispatchObservers(ctx, b, list, ev)
}
