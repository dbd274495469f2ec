package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/gadgetrt/internal/agent/blockparser"
	"github.com/haasonsaas/gadgetrt/internal/agent/providers"
	"github.com/haasonsaas/gadgetrt/internal/backoff"
	"github.com/haasonsaas/gadgetrt/internal/hooks"
	"github.com/haasonsaas/gadgetrt/internal/usage"
	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// toCompletionMessages flattens Conversation messages into the provider's
// plain role/content wire shape (spec.md §6: gadget calls and results
// travel as sentinel text, not structured fields).
func toCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = CompletionMessage{Role: string(m.Role), Content: m.Text()}
	}
	return out
}

// PricingFunc resolves a model id to its per-million-token cost. The core
// never owns a pricing table itself (Non-goal); an embedder wires this in
// only when Budget is set.
type PricingFunc func(model string) (usage.Cost, bool)

// RetryConfig governs the Agent Loop's backoff on transient provider
// errors (spec.md §4.8/§6 "retry").
type RetryConfig struct {
	// Enabled toggles retry entirely. Default: true.
	Enabled bool

	// Retries is the number of retry attempts after the first try.
	// Default: 3.
	Retries int

	// MinTimeout / MaxTimeout bound the exponential backoff delay.
	// Defaults: 1s / 30s.
	MinTimeout time.Duration
	MaxTimeout time.Duration

	// Factor is the exponential backoff multiplier. Default: 2.
	Factor float64

	// Randomize adds jitter to each computed delay. Default: true.
	Randomize bool
}

// DefaultRetryConfig returns spec.md §6's documented retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Enabled:    true,
		Retries:    3,
		MinTimeout: time.Second,
		MaxTimeout: 30 * time.Second,
		Factor:     2,
		Randomize:  true,
	}
}

func sanitizeRetryConfig(config *RetryConfig) *RetryConfig {
	if config == nil {
		return DefaultRetryConfig()
	}
	cfg := *config
	defaults := DefaultRetryConfig()
	if cfg.Retries <= 0 {
		cfg.Retries = defaults.Retries
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = defaults.MinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = defaults.MaxTimeout
	}
	if cfg.Factor <= 1 {
		cfg.Factor = defaults.Factor
	}
	return &cfg
}

// delay returns the backoff delay before retry attempt n (1-indexed),
// computed via internal/backoff's exponential-with-jitter formula.
func (c *RetryConfig) delay(n int) time.Duration {
	jitter := 0.0
	if c.Randomize {
		jitter = 0.5
	}
	policy := backoff.BackoffPolicy{
		InitialMs: float64(c.MinTimeout.Milliseconds()),
		MaxMs:     float64(c.MaxTimeout.Milliseconds()),
		Factor:    c.Factor,
		Jitter:    jitter,
	}
	return backoff.ComputeBackoff(policy, n)
}

// LoopConfig configures the Agent Loop (spec.md §4.8, §6 configuration
// surface). If Config is nil, DefaultLoopConfig is used.
type LoopConfig struct {
	// Model is "<provider>:<modelId>" or a bare model id the LLMProvider
	// understands.
	Model string

	// System is the system prompt prepended to base messages.
	System string

	// MaxIterations hard-caps the loop. Default: 10.
	MaxIterations int

	// Budget is a USD ceiling; nil means unlimited. Requires Pricing to
	// resolve Model, checked at construction (spec.md §7 "Configuration
	// error").
	Budget *float64

	// Pricing resolves Model's cost; required only when Budget is set.
	Pricing PricingFunc

	// Temperature / MaxTokens are passed through to the provider.
	Temperature float64
	MaxTokens   int

	// EnableThinking / ThinkingBudgetTokens are passed through to the
	// provider when non-zero.
	EnableThinking       bool
	ThinkingBudgetTokens int

	// GadgetExecutionMode selects parallel or sequential scheduling.
	// Default: ExecParallel.
	GadgetExecutionMode ExecutionMode

	// HumanInput resolves RequestHumanInput signals raised by gadgets.
	HumanInput HumanInputFunc

	// OutputStore configures oversized-result stashing.
	OutputStore *OutputStoreConfig

	// Compaction configures the Compaction Manager.
	Compaction *CompactionConfig

	// Summarizer is required only when Compaction's strategy can invoke
	// summarization (StrategySummarization or StrategyHybrid).
	Summarizer Summarizer

	// Retry configures transient-error backoff.
	Retry *RetryConfig

	// Prefixes / Hint configure the Block Parser's sentinel protocol.
	Prefixes blockparser.Prefixes
	Hint     blockparser.TypeHintFunc
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:       10,
		MaxTokens:           4096,
		GadgetExecutionMode: ExecParallel,
		OutputStore:         DefaultOutputStoreConfig(),
		Compaction:          DefaultCompactionConfig(),
		Retry:               DefaultRetryConfig(),
		Prefixes:            blockparser.DefaultPrefixes(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.GadgetExecutionMode == "" {
		cfg.GadgetExecutionMode = defaults.GadgetExecutionMode
	}
	if cfg.OutputStore == nil {
		cfg.OutputStore = defaults.OutputStore
	}
	if cfg.Compaction == nil {
		cfg.Compaction = defaults.Compaction
	}
	cfg.Retry = sanitizeRetryConfig(cfg.Retry)
	if cfg.Prefixes == (blockparser.Prefixes{}) {
		cfg.Prefixes = defaults.Prefixes
	}
	return &cfg
}

// RunEndReason discriminates how a Run concluded (spec.md §4.8/§7).
type RunEndReason string

const (
	ReasonComplete       RunEndReason = "complete"
	ReasonMaxIterations  RunEndReason = "max_iterations"
	ReasonBudgetExceeded RunEndReason = "budget_exceeded"
	ReasonTerminated     RunEndReason = "terminated"
	ReasonCancelled      RunEndReason = "cancelled"
)

// RunResult is what Run returns on a clean exit (spec.md §7: "only
// provider-fatal errors, cancellation, and configuration errors escape
// run()" — cancellation is reported here, not as an error, per P7).
type RunResult struct {
	FinalText  string
	Reason     RunEndReason
	Iterations int
	CostSoFar  float64
}

// AgentLoop drives one conversation to completion against an LLMProvider,
// coordinating the Conversation Manager, Compaction Manager, Stream
// Processor, and Gadget Scheduler through a shared Hook Bus (spec.md
// §4.8).
type AgentLoop struct {
	provider LLMProvider
	registry *Registry
	bus      *hooks.Bus

	compactor       *CompactionManager
	scheduler       *Scheduler
	outputStore     *OutputStore
	streamProcessor *StreamProcessor

	config *LoopConfig
}

// NewAgentLoop builds an AgentLoop. Returns an error immediately if Budget
// is set but Pricing cannot resolve Model (spec.md §7 "Configuration
// error ... raised at loop construction, not during run").
func NewAgentLoop(provider LLMProvider, registry *Registry, bus *hooks.Bus, config *LoopConfig) (*AgentLoop, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	cfg := sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewRegistry(nil)
	}

	if cfg.Budget != nil {
		if cfg.Pricing == nil {
			return nil, fmt.Errorf("configuration error: budget is set but no pricing function is configured")
		}
		if _, ok := cfg.Pricing(cfg.Model); !ok {
			return nil, fmt.Errorf("configuration error: budget is set but model %q has no pricing", cfg.Model)
		}
	}

	outputStore := NewOutputStore(cfg.OutputStore)
	scheduler := NewScheduler(registry, outputStore, bus, &SchedulerConfig{
		Mode:       cfg.GadgetExecutionMode,
		HumanInput: cfg.HumanInput,
	})
	compactor := NewCompactionManager(cfg.Compaction, cfg.Summarizer, bus)
	streamProcessor := NewStreamProcessor(cfg.Prefixes, cfg.Hint, bus)

	return &AgentLoop{
		provider:        provider,
		registry:        registry,
		bus:             bus,
		compactor:       compactor,
		scheduler:       scheduler,
		outputStore:     outputStore,
		streamProcessor: streamProcessor,
		config:          cfg,
	}, nil
}

// OutputStore exposes the loop's Output Store, e.g. so an embedder can
// resolve a stashed id a gadget references in a later turn.
func (l *AgentLoop) OutputStore() *OutputStore { return l.outputStore }

// Run drives conv to completion, returning a clean RunResult for every
// termination path spec.md §7 lists as non-fatal (budget/iteration cap,
// cancellation, TerminateConversation) and an error only for provider-
// fatal failures (spec.md §7 propagation policy).
func (l *AgentLoop) Run(ctx context.Context, conv *Conversation) (*RunResult, error) {
	iteration := 0
	costSoFar := 0.0

	for {
		if ctx.Err() != nil {
			return &RunResult{Reason: ReasonCancelled, Iterations: iteration, CostSoFar: costSoFar}, nil
		}

		if l.bus != nil {
			action, err := l.bus.FireBeforeIteration(ctx, hooks.IterationEvent{Iteration: iteration, CostSoFar: costSoFar})
			if err != nil {
				return nil, &LoopError{Phase: PhaseInit, Iteration: iteration, Cause: err}
			}
			if action.Kind == hooks.ActionAbort {
				return &RunResult{Reason: ReasonTerminated, Iterations: iteration, CostSoFar: costSoFar, FinalText: action.Reason}, nil
			}
		}

		if err := l.maybeCompact(ctx, iteration, conv); err != nil {
			return nil, &LoopError{Phase: PhaseInit, Iteration: iteration, Cause: err}
		}

		messages := conv.GetMessages()
		if l.bus != nil {
			rewritten, action, err := l.bus.FireOnLLMCallReady(ctx, hooks.LLMCallEvent{Iteration: iteration, Messages: messages})
			if err != nil {
				return nil, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
			}
			if action.Kind == hooks.ActionAbort {
				return &RunResult{Reason: ReasonTerminated, Iterations: iteration, CostSoFar: costSoFar, FinalText: action.Reason}, nil
			}
			messages = rewritten
		}

		streamResult, cancelled, err := l.streamWithRetry(ctx, iteration, messages)
		if cancelled {
			return &RunResult{Reason: ReasonCancelled, Iterations: iteration, CostSoFar: costSoFar}, nil
		}
		if err != nil {
			return nil, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		conv.AddAssistantMessage(streamResult.RawResponse)

		costSoFar += l.costOf(streamResult.Usage)

		if len(streamResult.ParsedCalls) == 0 {
			return &RunResult{Reason: ReasonComplete, Iterations: iteration + 1, CostSoFar: costSoFar, FinalText: streamResult.RawResponse}, nil
		}

		calls := ToParsedGadgetCalls(streamResult.ParsedCalls)
		results, terminate, err := l.scheduler.Run(ctx, iteration, calls)
		if err != nil {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
		}
		conv.AddGadgetCallResult(results)

		if l.config.Budget != nil && costSoFar >= *l.config.Budget {
			return &RunResult{
				Reason:     ReasonBudgetExceeded,
				Iterations: iteration + 1,
				CostSoFar:  costSoFar,
				FinalText:  fmt.Sprintf("stopping: budget of $%.4f reached (spent $%.4f)", *l.config.Budget, costSoFar),
			}, nil
		}

		if terminate != nil {
			return &RunResult{Reason: ReasonTerminated, Iterations: iteration + 1, CostSoFar: costSoFar, FinalText: terminate.Message}, nil
		}

		iteration++
		if iteration >= l.config.MaxIterations {
			return &RunResult{
				Reason:     ReasonMaxIterations,
				Iterations: iteration,
				CostSoFar:  costSoFar,
				FinalText:  fmt.Sprintf("stopping: reached max iterations (%d)", l.config.MaxIterations),
			}, nil
		}
	}
}

func (l *AgentLoop) maybeCompact(ctx context.Context, iteration int, conv *Conversation) error {
	history := conv.History()
	if !l.compactor.ShouldCompact(history) {
		return nil
	}
	newHistory, err := l.compactor.Compact(ctx, iteration, history)
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	conv.ReplaceHistory(newHistory)
	return nil
}

// streamWithRetry starts the provider stream and retries transient
// errors with exponential backoff (spec.md §4.8 step 4, §6 retry). The
// second return value is true only when the context itself was
// cancelled/deadline-exceeded or the provider reported an abort — both
// are clean exits, never propagated as errors (spec.md §7, P7).
func (l *AgentLoop) streamWithRetry(ctx context.Context, iteration int, messages []*models.Message) (*StreamResult, bool, error) {
	req := &CompletionRequest{
		Model:                l.config.Model,
		System:               l.config.System,
		Messages:             toCompletionMessages(messages),
		MaxTokens:            l.config.MaxTokens,
		Temperature:          l.config.Temperature,
		EnableThinking:       l.config.EnableThinking,
		ThinkingBudgetTokens: l.config.ThinkingBudgetTokens,
	}

	maxAttempts := 1
	if l.config.Retry.Enabled {
		maxAttempts += l.config.Retry.Retries
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, true, nil
		}

		if l.bus != nil {
			l.bus.FireOnLLMCallStart(ctx, hooks.LLMCallEvent{Iteration: iteration, Messages: messages})
		}

		chunks, err := l.provider.Complete(ctx, req)
		if err == nil {
			result, procErr := l.streamProcessor.Process(ctx, iteration, chunks)
			if procErr == nil {
				if l.bus != nil {
					l.bus.FireOnLLMCallComplete(ctx, hooks.LLMCallEvent{Iteration: iteration, Usage: hooks.Usage{
						InputTokens: int64(result.Usage.InputTokens), OutputTokens: int64(result.Usage.OutputTokens),
					}})
				}
				return result, false, nil
			}
			err = procErr
		}

		if isAbortError(err) {
			return nil, true, nil
		}

		lastErr = err
		retryable := l.config.Retry.Enabled && providers.IsRetryable(err)
		if l.bus != nil {
			action, hookErr := l.bus.FireOnLLMCallError(ctx, hooks.LLMCallEvent{Iteration: iteration, Err: err})
			if hookErr == nil {
				switch action.Kind {
				case hooks.ActionAbort:
					return nil, true, nil
				case hooks.ActionRetry:
					retryable = true
				case hooks.ActionSkip:
					retryable = false
				}
			}
		}

		if !retryable || attempt >= maxAttempts {
			return nil, false, err
		}

		delay := l.config.Retry.delay(attempt)
		if l.bus != nil {
			ev := hooks.RetryEvent{Iteration: iteration, Attempt: attempt, Err: err, Delay: delay}
			if providers.ClassifyError(err) == providers.FailoverRateLimit {
				l.bus.FireOnRateLimitThrottle(ctx, ev)
			} else {
				l.bus.FireOnRetryAttempt(ctx, ev)
			}
		}

		select {
		case <-ctx.Done():
			return nil, true, nil
		case <-time.After(delay):
		}
	}

	return nil, false, lastErr
}

func (l *AgentLoop) costOf(u Usage) float64 {
	if l.config.Pricing == nil {
		return 0
	}
	cost, ok := l.config.Pricing(l.config.Model)
	if !ok {
		return 0
	}
	return cost.Estimate(&usage.Usage{InputTokens: int64(u.InputTokens), OutputTokens: int64(u.OutputTokens)})
}

// isAbortError reports whether err represents user/caller cancellation
// rather than a provider failure, per spec.md §4.8's named abort classes.
func isAbortError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "abort") || strings.Contains(msg, "cancelled") || strings.Contains(msg, "canceled")
}
