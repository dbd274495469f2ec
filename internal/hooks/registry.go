package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// GadgetResult is the generic shape gadgetResultInterceptor operates on.
// It mirrors agent.GadgetExecutionResult's fields without the hooks
// package importing internal/agent (which imports hooks), avoiding a
// cycle; the Scheduler converts to/from its own type at the call site.
type GadgetResult struct {
	GadgetName   string
	InvocationID string
	Result       string
	MediaOutputs []models.Attachment
	MediaIDs     []string
	Error        string
}

type handler[T any] struct {
	id       string
	priority Priority
	name     string
	fn       T
}

// Bus is one agent run's Hook Bus: eleven observer call sites, four
// interceptor call sites, and six controller call sites (spec.md §4.9).
// A Bus is owned by the Agent Loop; gadgets never see it directly except
// through the execution context the Scheduler builds per call.
//
// Subagent gadgets never inherit a parent Bus wholesale — a fresh Bus is
// created for the nested run, and only bundled observers the embedder
// names via Descriptor.SubagentHooks are copied across (CopyTo), per the
// explicit-never-implicit decision recorded in DESIGN.md.
type Bus struct {
	mu     sync.RWMutex
	logger *slog.Logger
	byID   map[string]func(dst *Bus) Registration

	onLLMCallStart      []handler[ObserverFunc[LLMCallEvent]]
	onLLMCallReady       []handler[ObserverFunc[LLMCallEvent]]
	onLLMCallComplete    []handler[ObserverFunc[LLMCallEvent]]
	onLLMCallError       []handler[ObserverFunc[LLMCallEvent]]
	onChunk              []handler[ObserverFunc[ChunkEvent]]
	onGadgetStart        []handler[ObserverFunc[GadgetEvent]]
	onGadgetComplete     []handler[ObserverFunc[GadgetEvent]]
	onGadgetSkipped      []handler[ObserverFunc[GadgetEvent]]
	onCompaction         []handler[ObserverFunc[CompactionEvent]]
	onRetryAttempt       []handler[ObserverFunc[RetryEvent]]
	onRateLimitThrottle  []handler[ObserverFunc[RetryEvent]]

	messageInterceptor         []handler[InterceptorFunc[[]*models.Message]]
	chunkInterceptor           []handler[InterceptorFunc[string]]
	gadgetParameterInterceptor []handler[InterceptorFunc[map[string]any]]
	gadgetResultInterceptor    []handler[InterceptorFunc[GadgetResult]]

	beforeIterationController       []handler[ControllerFunc[IterationEvent]]
	llmCallController                []handler[ControllerFunc[LLMCallEvent]]
	afterLLMCallController           []handler[ControllerFunc[LLMCallEvent]]
	llmErrorController               []handler[ControllerFunc[LLMCallEvent]]
	beforeGadgetExecutionController []handler[ControllerFunc[GadgetEvent]]
	afterGadgetExecutionController  []handler[ControllerFunc[GadgetEvent]]
	dependencySkipController        []handler[ControllerFunc[GadgetEvent]]
}

// NewBus creates an empty Hook Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "hooks"),
		byID:   make(map[string]func(dst *Bus) Registration),
	}
}

func register[T any](b *Bus, list *[]handler[T], priority Priority, name string, fn T) Registration {
	id := uuid.New().String()
	*list = append(*list, handler[T]{id: id, priority: priority, name: name, fn: fn})
	sort.SliceStable(*list, func(i, j int) bool { return (*list)[i].priority < (*list)[j].priority })
	return Registration{ID: id, Priority: priority, Name: name}
}

// --- Observers ---

func (b *Bus) OnLLMCallStart(priority Priority, name string, fn ObserverFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onLLMCallStart, priority, name, fn)
	reg.CallSite = "onLLMCallStart"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnLLMCallStart(priority, name, fn) }
	return reg
}

func (b *Bus) OnLLMCallReady(priority Priority, name string, fn ObserverFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onLLMCallReady, priority, name, fn)
	reg.CallSite = "onLLMCallReady"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnLLMCallReady(priority, name, fn) }
	return reg
}

func (b *Bus) OnLLMCallComplete(priority Priority, name string, fn ObserverFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onLLMCallComplete, priority, name, fn)
	reg.CallSite = "onLLMCallComplete"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnLLMCallComplete(priority, name, fn) }
	return reg
}

func (b *Bus) OnLLMCallError(priority Priority, name string, fn ObserverFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onLLMCallError, priority, name, fn)
	reg.CallSite = "onLLMCallError"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnLLMCallError(priority, name, fn) }
	return reg
}

func (b *Bus) OnChunk(priority Priority, name string, fn ObserverFunc[ChunkEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onChunk, priority, name, fn)
	reg.CallSite = "onChunk"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnChunk(priority, name, fn) }
	return reg
}

func (b *Bus) OnGadgetStart(priority Priority, name string, fn ObserverFunc[GadgetEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onGadgetStart, priority, name, fn)
	reg.CallSite = "onGadgetStart"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnGadgetStart(priority, name, fn) }
	return reg
}

func (b *Bus) OnGadgetComplete(priority Priority, name string, fn ObserverFunc[GadgetEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onGadgetComplete, priority, name, fn)
	reg.CallSite = "onGadgetComplete"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnGadgetComplete(priority, name, fn) }
	return reg
}

func (b *Bus) OnGadgetSkipped(priority Priority, name string, fn ObserverFunc[GadgetEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onGadgetSkipped, priority, name, fn)
	reg.CallSite = "onGadgetSkipped"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnGadgetSkipped(priority, name, fn) }
	return reg
}

func (b *Bus) OnCompaction(priority Priority, name string, fn ObserverFunc[CompactionEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onCompaction, priority, name, fn)
	reg.CallSite = "onCompaction"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnCompaction(priority, name, fn) }
	return reg
}

func (b *Bus) OnRetryAttempt(priority Priority, name string, fn ObserverFunc[RetryEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onRetryAttempt, priority, name, fn)
	reg.CallSite = "onRetryAttempt"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnRetryAttempt(priority, name, fn) }
	return reg
}

func (b *Bus) OnRateLimitThrottle(priority Priority, name string, fn ObserverFunc[RetryEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.onRateLimitThrottle, priority, name, fn)
	reg.CallSite = "onRateLimitThrottle"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.OnRateLimitThrottle(priority, name, fn) }
	return reg
}

// --- Interceptors ---

func (b *Bus) MessageInterceptor(priority Priority, name string, fn InterceptorFunc[[]*models.Message]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.messageInterceptor, priority, name, fn)
	reg.CallSite = "messageInterceptor"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.MessageInterceptor(priority, name, fn) }
	return reg
}

func (b *Bus) ChunkInterceptor(priority Priority, name string, fn InterceptorFunc[string]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.chunkInterceptor, priority, name, fn)
	reg.CallSite = "chunkInterceptor"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.ChunkInterceptor(priority, name, fn) }
	return reg
}

func (b *Bus) GadgetParameterInterceptor(priority Priority, name string, fn InterceptorFunc[map[string]any]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.gadgetParameterInterceptor, priority, name, fn)
	reg.CallSite = "gadgetParameterInterceptor"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.GadgetParameterInterceptor(priority, name, fn) }
	return reg
}

func (b *Bus) GadgetResultInterceptor(priority Priority, name string, fn InterceptorFunc[GadgetResult]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.gadgetResultInterceptor, priority, name, fn)
	reg.CallSite = "gadgetResultInterceptor"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.GadgetResultInterceptor(priority, name, fn) }
	return reg
}

// --- Controllers ---

func (b *Bus) BeforeIterationController(priority Priority, name string, fn ControllerFunc[IterationEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.beforeIterationController, priority, name, fn)
	reg.CallSite = "beforeIteration"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.BeforeIterationController(priority, name, fn) }
	return reg
}

func (b *Bus) LLMCallController(priority Priority, name string, fn ControllerFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.llmCallController, priority, name, fn)
	reg.CallSite = "llmCallController"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.LLMCallController(priority, name, fn) }
	return reg
}

func (b *Bus) AfterLLMCallController(priority Priority, name string, fn ControllerFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.afterLLMCallController, priority, name, fn)
	reg.CallSite = "afterLLMCallController"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.AfterLLMCallController(priority, name, fn) }
	return reg
}

func (b *Bus) LLMErrorController(priority Priority, name string, fn ControllerFunc[LLMCallEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.llmErrorController, priority, name, fn)
	reg.CallSite = "llmErrorController"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.LLMErrorController(priority, name, fn) }
	return reg
}

func (b *Bus) BeforeGadgetExecutionController(priority Priority, name string, fn ControllerFunc[GadgetEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.beforeGadgetExecutionController, priority, name, fn)
	reg.CallSite = "beforeGadgetExecutionController"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.BeforeGadgetExecutionController(priority, name, fn) }
	return reg
}

func (b *Bus) AfterGadgetExecutionController(priority Priority, name string, fn ControllerFunc[GadgetEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.afterGadgetExecutionController, priority, name, fn)
	reg.CallSite = "afterGadgetExecutionController"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.AfterGadgetExecutionController(priority, name, fn) }
	return reg
}

func (b *Bus) DependencySkipController(priority Priority, name string, fn ControllerFunc[GadgetEvent]) Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg := register(b, &b.dependencySkipController, priority, name, fn)
	reg.CallSite = "dependencySkipController"
	b.byID[reg.ID] = func(dst *Bus) Registration { return dst.DependencySkipController(priority, name, fn) }
	return reg
}

// CopyTo reattaches the named registrations onto dst, in their original
// priority order. This is the only path subagent gadgets use to carry
// bundled observers into a nested run's fresh Bus — see
// Descriptor.SubagentHooks.
func (b *Bus) CopyTo(dst *Bus, regs []Registration) {
	b.mu.RLock()
	fns := make([]func(dst *Bus) Registration, 0, len(regs))
	for _, reg := range regs {
		if fn, ok := b.byID[reg.ID]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(dst)
	}
}

// --- Dispatch helpers ---

func dispatchObservers[T any](ctx context.Context, b *Bus, list []handler[ObserverFunc[T]], ev T) {
	for _, h := range list {
		if err := safeObserve(ctx, h.fn, ev); err != nil {
			b.logger.Warn("hook observer error", "name", h.name, "error", err)
		}
	}
}

func safeObserve[T any](ctx context.Context, fn ObserverFunc[T], ev T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = recoverErr(p)
		}
	}()
	return fn(ctx, ev)
}

func dispatchInterceptors[T any](ctx context.Context, list []handler[InterceptorFunc[T]], value T) (T, error) {
	for _, h := range list {
		v, err := h.fn(ctx, value)
		if err != nil {
			return value, err
		}
		value = v
	}
	return value, nil
}

func dispatchControllers[T any](ctx context.Context, list []handler[ControllerFunc[T]], ev T) (Action, error) {
	for _, h := range list {
		action, err := h.fn(ctx, ev)
		if err != nil {
			return Action{}, err
		}
		if action.Kind != ActionProceed {
			return action, nil
		}
	}
	return Proceed(), nil
}

func recoverErr(p any) error {
	if err, ok := p.(error); ok {
		return err
	}
	return &panicError{value: p}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("hook panic: %v", e.value) }
