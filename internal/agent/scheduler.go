package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
)

// ExecutionMode selects how the Scheduler drains its ready queue
// (spec.md §4.7).
type ExecutionMode string

const (
	// ExecParallel runs all ready calls concurrently, with no artificial
	// concurrency cap beyond what dependencies impose. Default.
	ExecParallel ExecutionMode = "parallel"

	// ExecSequential drains the ready queue one call at a time, in parsed
	// order.
	ExecSequential ExecutionMode = "sequential"
)

// TerminateConversation is returned by a Gadget's Execute (wrapped as the
// error) to signal that the conversation should end after the current
// batch finishes, with Message as the final text (spec.md §4.7).
type TerminateConversation struct {
	Message string
}

func (e *TerminateConversation) Error() string {
	return fmt.Sprintf("terminate conversation: %s", e.Message)
}

// RequestHumanInput is returned by a Gadget's Execute to suspend the batch
// and ask the embedder for input via the Scheduler's configured callback.
// If no callback is configured, the call fails with ErrNoHumanInput.
type RequestHumanInput struct {
	Prompt string
}

func (e *RequestHumanInput) Error() string {
	return fmt.Sprintf("requires human input: %s", e.Prompt)
}

// ErrNoHumanInput is returned when a gadget raises RequestHumanInput but
// the Scheduler has no HumanInputFunc configured.
var ErrNoHumanInput = fmt.Errorf("gadget requested human input but no callback is configured")

// ErrDependencyUnresolved is the synthetic error text format used when a
// call's declared dependency doesn't resolve to an earlier invocation ID
// in the same batch (invariant I2).
var ErrDependencyUnresolved = fmt.Errorf("dependency does not resolve to a known invocation id")

// HumanInputFunc is the embedder-supplied coroutine used to resolve
// RequestHumanInput signals.
type HumanInputFunc func(ctx context.Context, prompt string) (string, error)

// SchedulerConfig configures the Gadget Scheduler.
type SchedulerConfig struct {
	// Mode selects parallel or sequential execution.
	// Default: ExecParallel.
	Mode ExecutionMode

	// HumanInput resolves RequestHumanInput signals. May be nil.
	HumanInput HumanInputFunc
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{Mode: ExecParallel}
}

func sanitizeSchedulerConfig(config *SchedulerConfig) *SchedulerConfig {
	if config == nil {
		return DefaultSchedulerConfig()
	}
	cfg := *config
	if cfg.Mode == "" {
		cfg.Mode = ExecParallel
	}
	return &cfg
}

// Scheduler executes one assistant turn's batch of ParsedGadgetCalls
// against a Registry, respecting their dependency DAG (spec.md §4.7).
type Scheduler struct {
	registry    *Registry
	outputStore *OutputStore
	bus         *hooks.Bus
	config      *SchedulerConfig
}

// NewScheduler builds a Scheduler. bus and outputStore may be nil to
// disable event emission / truncation respectively.
func NewScheduler(registry *Registry, outputStore *OutputStore, bus *hooks.Bus, config *SchedulerConfig) *Scheduler {
	return &Scheduler{
		registry:    registry,
		outputStore: outputStore,
		bus:         bus,
		config:      sanitizeSchedulerConfig(config),
	}
}

// node is one call's scheduling state within a single Run.
type node struct {
	call          ParsedGadgetCall
	index         int // position in the parsed order, for I3 ordering
	dependents    []int
	pendingDeps   int
	unresolvedDep bool
	result        *GadgetExecutionResult
}

// terminateSignal, when non-nil after Run, means a TerminateConversation
// was raised and the Agent Loop should exit with Message as final text.
type terminateSignal struct {
	Message string
}

// Run executes calls to completion (or to the point cancellation/
// termination cuts the batch short) and returns results ordered to match
// the parsed order of calls (invariant I3), plus a non-nil terminate
// pointer if any call raised TerminateConversation.
func (s *Scheduler) Run(ctx context.Context, iteration int, calls []ParsedGadgetCall) ([]*GadgetExecutionResult, *terminateSignal, error) {
	if len(calls) == 0 {
		return nil, nil, nil
	}

	nodes := s.buildGraph(calls)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var terminate *terminateSignal

	ready := make([]int, 0, len(nodes))
	for i, n := range nodes {
		if n.unresolvedDep {
			continue
		}
		if n.pendingDeps == 0 {
			ready = append(ready, i)
		}
	}
	// Unresolved-dependency calls are synthetic failures from the start;
	// they never enter the ready queue and never unblock anyone (I2). Treat
	// each as a failed node so cascadeSkip propagates "dependency X failed"
	// to anything that in turn depends on it, instead of letting those
	// dependents fall through to the generic batch-ended skip message.
	for i, n := range nodes {
		if n.unresolvedDep {
			nodes[i].result = s.errorResult(n.call, ErrDependencyUnresolved.Error())
			s.fireSkipped(runCtx, iteration, n.call, ErrDependencyUnresolved.Error())
			s.cascadeSkip(nodes, i)
		}
	}

	for len(ready) > 0 {
		var batch []int
		if s.config.Mode == ExecSequential {
			batch = ready[:1]
			ready = ready[1:]
		} else {
			batch = ready
			ready = nil
		}

		newlyReady, batchTerminate, err := s.runBatch(runCtx, iteration, nodes, batch)
		if batchTerminate != nil {
			terminate = batchTerminate
		}
		if err != nil {
			cancel()
			return s.orderedResults(nodes), terminate, err
		}
		if terminate != nil {
			// Finish the current batch (already done above), then stop
			// promoting further work.
			break
		}
		ready = append(ready, newlyReady...)

		if runCtx.Err() != nil {
			break
		}
	}

	// Anything never scheduled because of cancellation/termination is
	// recorded as skipped so the model sees a result for every call.
	for i, n := range nodes {
		if n.result == nil {
			nodes[i].result = s.errorResult(n.call, "skipped: batch ended before this call ran")
			s.fireSkipped(ctx, iteration, n.call, "batch ended before this call ran")
		}
	}

	return s.orderedResults(nodes), terminate, nil
}

func (s *Scheduler) buildGraph(calls []ParsedGadgetCall) []*node {
	idOf := make(map[string]int, len(calls))
	for i, c := range calls {
		idOf[c.InvocationID] = i
	}

	nodes := make([]*node, len(calls))
	for i, c := range calls {
		n := &node{call: c, index: i}
		for _, dep := range c.Dependencies {
			depIdx, ok := idOf[dep]
			if !ok || depIdx >= i {
				// Unknown id, self-reference, or a forward reference to a
				// call parsed later: none resolves to an earlier invocation
				// (I2), so the dependency is unresolved either way.
				n.unresolvedDep = true
				continue
			}
			n.pendingDeps++
		}
		nodes[i] = n
	}
	// Second pass: wire dependents now that every node exists. Only
	// dependencies that actually resolve (earlier index) wire an edge;
	// forward/unknown references were already flagged unresolved above.
	for i, c := range calls {
		for _, dep := range c.Dependencies {
			if depIdx, ok := idOf[dep]; ok && depIdx < i {
				nodes[depIdx].dependents = append(nodes[depIdx].dependents, i)
			}
		}
	}
	return nodes
}

// runBatch executes the given node indices (concurrently under
// ExecParallel, or a single index under ExecSequential) and returns
// indices newly unblocked by successful completions.
func (s *Scheduler) runBatch(ctx context.Context, iteration int, nodes []*node, batch []int) ([]int, *terminateSignal, error) {
	var (
		mu        sync.Mutex
		terminate *terminateSignal
	)
	g, gctx := errgroup.WithContext(ctx)

	for _, idx := range batch {
		idx := idx
		n := nodes[idx]
		g.Go(func() error {
			result, term, skipped := s.execOne(gctx, iteration, n.call)
			nodes[idx].result = result
			if term != nil {
				mu.Lock()
				terminate = term
				mu.Unlock()
			}
			_ = skipped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, terminate, err
	}

	var unblocked []int
	for _, idx := range batch {
		n := nodes[idx]
		if n.result != nil && n.result.IsError() {
			s.cascadeSkip(nodes, idx)
			continue
		}
		for _, dep := range n.dependents {
			nodes[dep].pendingDeps--
			if nodes[dep].pendingDeps == 0 && !nodes[dep].unresolvedDep && nodes[dep].result == nil {
				unblocked = append(unblocked, dep)
			}
		}
	}
	return unblocked, terminate, nil
}

// cascadeSkip marks every not-yet-run dependent of a failed call as a
// synthetic "dependency failed" result, recursively.
func (s *Scheduler) cascadeSkip(nodes []*node, failedIdx int) {
	for _, depIdx := range nodes[failedIdx].dependents {
		if nodes[depIdx].result != nil {
			continue
		}
		reason := fmt.Sprintf("dependency %s failed", nodes[failedIdx].call.InvocationID)
		if s.bus != nil {
			if action, err := s.bus.FireDependencySkip(context.Background(), hooks.GadgetEvent{
				GadgetName: nodes[depIdx].call.GadgetName, InvocationID: nodes[depIdx].call.InvocationID,
				Parameters: nodes[depIdx].call.Parameters, SkipReason: reason,
			}); err == nil && action.Kind == hooks.ActionReplace {
				if replacement, ok := action.Replacement.(string); ok && replacement != "" {
					reason = replacement
				}
			}
		}
		nodes[depIdx].result = s.errorResult(nodes[depIdx].call, reason)
		s.fireSkipped(context.Background(), 0, nodes[depIdx].call, reason)
		s.cascadeSkip(nodes, depIdx)
	}
}

// execOne runs a single call: validation, per-call timeout race,
// truncation, and control-signal handling.
func (s *Scheduler) execOne(ctx context.Context, iteration int, call ParsedGadgetCall) (*GadgetExecutionResult, *terminateSignal, bool) {
	start := time.Now()

	desc, ok := s.registry.Get(call.GadgetName)
	if !ok {
		return s.errorResult(call, fmt.Sprintf("gadget %q is not registered", call.GadgetName)), nil, false
	}

	if s.bus != nil {
		params, action, err := s.bus.FireBeforeGadgetExecution(ctx, hooks.GadgetEvent{
			Iteration:    iteration,
			GadgetName:   call.GadgetName,
			InvocationID: call.InvocationID,
			Parameters:   call.Parameters,
		})
		if err != nil {
			return s.errorResult(call, err.Error()), nil, false
		}
		if action.Kind != hooks.ActionProceed {
			reason := action.Reason
			if reason == "" {
				reason = string(action.Kind)
			}
			return s.errorResult(call, reason), nil, false
		}
		call.Parameters = params
	}

	if err := s.registry.validator.Validate(desc.Gadget.Schema(), call.Parameters); err != nil {
		result := s.errorResult(call, err.Error())
		result.ElapsedMs = time.Since(start).Milliseconds()
		s.fireAfter(ctx, iteration, call, result)
		return result, nil, false
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if desc.TimeoutMs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(desc.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	type outcome struct {
		out *GadgetOutput
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("gadget panic: %v", r)}
			}
		}()
		out, err := desc.Gadget.Execute(execCtx, call.Parameters)
		ch <- outcome{out: out, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-execCtx.Done():
		if ctx.Err() != nil {
			out = outcome{err: fmt.Errorf("cancelled")}
		} else {
			out = outcome{err: fmt.Errorf("timed out after %dms", desc.TimeoutMs)}
		}
	}

	var result *GadgetExecutionResult
	var terminate *terminateSignal

	switch {
	case out.err != nil:
		var term *TerminateConversation
		var human *RequestHumanInput
		switch e := out.err.(type) {
		case *TerminateConversation:
			term = e
		case *RequestHumanInput:
			human = e
		}
		if term != nil {
			result = &GadgetExecutionResult{
				GadgetName: call.GadgetName, InvocationID: call.InvocationID,
				Parameters: call.Parameters, Result: term.Message,
			}
			terminate = &terminateSignal{Message: term.Message}
		} else if human != nil {
			if s.config.HumanInput == nil {
				result = s.errorResult(call, ErrNoHumanInput.Error())
			} else {
				answer, herr := s.config.HumanInput(ctx, human.Prompt)
				if herr != nil {
					result = s.errorResult(call, herr.Error())
				} else {
					result = &GadgetExecutionResult{
						GadgetName: call.GadgetName, InvocationID: call.InvocationID,
						Parameters: call.Parameters, Result: answer,
					}
				}
			}
		} else {
			result = s.errorResult(call, out.err.Error())
		}
	default:
		result = &GadgetExecutionResult{
			GadgetName:   call.GadgetName,
			InvocationID: call.InvocationID,
			Parameters:   call.Parameters,
			Result:       out.out.Result,
			MediaOutputs: out.out.MediaOutputs,
			MediaIDs:     out.out.MediaIDs,
		}
	}

	result.ElapsedMs = time.Since(start).Milliseconds()

	if s.outputStore != nil && !result.IsError() {
		visible, stashed, terr := s.outputStore.Truncate(call.GadgetName, result.Result)
		if terr == nil && stashed {
			result.Result = visible
		}
	}

	s.fireAfter(ctx, iteration, call, result)
	return result, terminate, false
}

func (s *Scheduler) fireAfter(ctx context.Context, iteration int, call ParsedGadgetCall, result *GadgetExecutionResult) {
	if s.bus == nil {
		return
	}
	gr := hooks.GadgetResult{
		GadgetName:   result.GadgetName,
		InvocationID: result.InvocationID,
		Result:       result.Result,
		MediaOutputs: result.MediaOutputs,
		MediaIDs:     result.MediaIDs,
		Error:        result.Error,
	}
	rewritten, _, err := s.bus.FireAfterGadgetExecution(ctx, hooks.GadgetEvent{
		Iteration: iteration, GadgetName: call.GadgetName, InvocationID: call.InvocationID, Parameters: call.Parameters,
		Result: result.Result, ElapsedMs: result.ElapsedMs,
	}, gr)
	if err == nil {
		result.Result = rewritten.Result
		result.Error = rewritten.Error
	}
}

func (s *Scheduler) fireSkipped(ctx context.Context, iteration int, call ParsedGadgetCall, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.FireOnGadgetSkipped(ctx, hooks.GadgetEvent{
		Iteration: iteration, GadgetName: call.GadgetName, InvocationID: call.InvocationID,
		Parameters: call.Parameters, SkipReason: reason,
	})
}

func (s *Scheduler) errorResult(call ParsedGadgetCall, msg string) *GadgetExecutionResult {
	return &GadgetExecutionResult{
		GadgetName:   call.GadgetName,
		InvocationID: call.InvocationID,
		Parameters:   call.Parameters,
		Error:        msg,
	}
}

// orderedResults returns each node's result in parsed order (invariant I3).
func (s *Scheduler) orderedResults(nodes []*node) []*GadgetExecutionResult {
	out := make([]*GadgetExecutionResult, len(nodes))
	for _, n := range nodes {
		out[n.index] = n.result
	}
	return out
}
