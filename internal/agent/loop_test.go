package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
	"github.com/haasonsaas/gadgetrt/internal/usage"
)

// fakeProvider implements LLMProvider by returning a pre-scripted sequence
// of responses, one per call to Complete, each as a single text chunk
// carrying the given usage and a finish reason. errs[i], if non-nil,
// makes the i-th call to Complete fail outright instead of streaming.
type fakeProvider struct {
	responses []string
	usages    []Usage
	errs      []error
	calls     int32
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	n := int(atomic.AddInt32(&p.calls, 1)) - 1
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}

	ch := make(chan *CompletionChunk, 2)
	text := ""
	if n < len(p.responses) {
		text = p.responses[n]
	}
	u := Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}
	if n < len(p.usages) {
		u = p.usages[n]
	}
	ch <- &CompletionChunk{Text: text}
	ch <- &CompletionChunk{Usage: &u, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Models() []Model { return []Model{{ID: "fake-model", ContextWindow: 8000}} }

func newTestLoop(t *testing.T, provider LLMProvider, registry *Registry, config *LoopConfig) *AgentLoop {
	t.Helper()
	bus := hooks.NewBus(nil)
	loop, err := NewAgentLoop(provider, registry, bus, config)
	require.NoError(t, err)
	return loop
}

func TestAgentLoop_PureTextReplyEndsInOneIteration(t *testing.T) {
	provider := &fakeProvider{responses: []string{"hello there"}}
	loop := newTestLoop(t, provider, NewRegistry(nil), &LoopConfig{Model: "fake-model"})

	conv := NewConversation("you are a test assistant", nil)
	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonComplete, result.Reason)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "hello there", result.FinalText)
}

func TestAgentLoop_SingleGadgetCallReturnsResult(t *testing.T) {
	calc := &fakeGadget{name: "Calc", fn: ok("4")}
	registry := newTestRegistry(calc)

	provider := &fakeProvider{responses: []string{
		"!!!GADGET_START:Calc:gc_1\n!!!ARG:/expr\n2+2\n!!!GADGET_END\n",
		"the answer is 4",
	}}
	loop := newTestLoop(t, provider, registry, &LoopConfig{Model: "fake-model"})

	conv := NewConversation("system", nil)
	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonComplete, result.Reason)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calc.calls))
	assert.Equal(t, "the answer is 4", result.FinalText)
}

func TestAgentLoop_ThreeParallelCallsAllStartBeforeAnyEnds(t *testing.T) {
	release := make(chan struct{})
	var started int32
	slow := func(ctx context.Context, params map[string]any) (*GadgetOutput, error) {
		atomic.AddInt32(&started, 1)
		<-release
		return &GadgetOutput{Result: fmt.Sprint(params["n"])}, nil
	}
	g1 := &fakeGadget{name: "G1", fn: slow}
	g2 := &fakeGadget{name: "G2", fn: slow}
	g3 := &fakeGadget{name: "G3", fn: slow}
	registry := newTestRegistry(g1, g2, g3)

	provider := &fakeProvider{responses: []string{
		"!!!GADGET_START:G1:r1\n!!!GADGET_END\n" +
			"!!!GADGET_START:G2:r2\n!!!GADGET_END\n" +
			"!!!GADGET_START:G3:r3\n!!!GADGET_END\n",
		"done",
	}}
	loop := newTestLoop(t, provider, registry, &LoopConfig{Model: "fake-model"})

	done := make(chan *RunResult, 1)
	go func() {
		conv := NewConversation("system", nil)
		result, err := loop.Run(context.Background(), conv)
		require.NoError(t, err)
		done <- result
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&started) != 3 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for all three gadgets to start concurrently")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)

	select {
	case result := <-done:
		assert.Equal(t, ReasonComplete, result.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish after release")
	}
}

func TestAgentLoop_BudgetCutoffStopsAfterTwoIterations(t *testing.T) {
	calc := &fakeGadget{name: "Calc", fn: ok("ok")}
	registry := newTestRegistry(calc)

	call := "!!!GADGET_START:Calc:gc_1\n!!!GADGET_END\n"
	provider := &fakeProvider{
		responses: []string{call, call, call, call},
		usages: []Usage{
			{InputTokens: 1000, OutputTokens: 500},
			{InputTokens: 1000, OutputTokens: 500},
			{InputTokens: 1000, OutputTokens: 500},
			{InputTokens: 1000, OutputTokens: 500},
		},
	}
	budget := 0.05
	pricing := func(model string) (usage.Cost, bool) {
		return usage.Cost{Input: 10, Output: 30}, true
	}
	loop := newTestLoop(t, provider, registry, &LoopConfig{
		Model:   "fake-model",
		Budget:  &budget,
		Pricing: pricing,
	})

	conv := NewConversation("system", nil)
	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonBudgetExceeded, result.Reason)
	assert.LessOrEqual(t, result.Iterations, 2)
}

func TestAgentLoop_ConstructionFailsWhenBudgetSetWithoutPricing(t *testing.T) {
	budget := 1.0
	bus := hooks.NewBus(nil)
	_, err := NewAgentLoop(&fakeProvider{}, NewRegistry(nil), bus, &LoopConfig{Model: "fake-model", Budget: &budget})
	require.Error(t, err)
}

func TestAgentLoop_ConstructionFailsWhenPricingCannotResolveModel(t *testing.T) {
	budget := 1.0
	bus := hooks.NewBus(nil)
	pricing := func(model string) (usage.Cost, bool) { return usage.Cost{}, false }
	_, err := NewAgentLoop(&fakeProvider{}, NewRegistry(nil), bus, &LoopConfig{Model: "fake-model", Budget: &budget, Pricing: pricing})
	require.Error(t, err)
}

func TestAgentLoop_MaxIterationsStopsLoop(t *testing.T) {
	calc := &fakeGadget{name: "Calc", fn: ok("ok")}
	registry := newTestRegistry(calc)

	call := "!!!GADGET_START:Calc:gc_1\n!!!GADGET_END\n"
	responses := make([]string, 10)
	for i := range responses {
		responses[i] = call
	}
	provider := &fakeProvider{responses: responses}
	loop := newTestLoop(t, provider, registry, &LoopConfig{Model: "fake-model", MaxIterations: 3})

	conv := NewConversation("system", nil)
	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonMaxIterations, result.Reason)
	assert.Equal(t, 3, result.Iterations)
}

func TestAgentLoop_TerminateConversationSignalEndsRun(t *testing.T) {
	stopper := &fakeGadget{name: "Stop", fn: func(ctx context.Context, params map[string]any) (*GadgetOutput, error) {
		return nil, &TerminateConversation{Message: "all done"}
	}}
	registry := newTestRegistry(stopper)

	provider := &fakeProvider{responses: []string{"!!!GADGET_START:Stop:gc_1\n!!!GADGET_END\n"}}
	loop := newTestLoop(t, provider, registry, &LoopConfig{Model: "fake-model"})

	conv := NewConversation("system", nil)
	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonTerminated, result.Reason)
	assert.Equal(t, "all done", result.FinalText)
}

func TestAgentLoop_CancellationIsCleanExitNotError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &fakeProvider{responses: []string{"hello"}}
	loop := newTestLoop(t, provider, NewRegistry(nil), &LoopConfig{Model: "fake-model"})

	conv := NewConversation("system", nil)
	result, err := loop.Run(ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonCancelled, result.Reason)
}

func TestAgentLoop_RetriesTransientProviderError(t *testing.T) {
	provider := &fakeProvider{
		errs:      []error{errors.New("503 service unavailable"), nil},
		responses: []string{"", "recovered"},
	}
	loop := newTestLoop(t, provider, NewRegistry(nil), &LoopConfig{
		Model: "fake-model",
		Retry: &RetryConfig{Enabled: true, Retries: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond, Factor: 2},
	})

	conv := NewConversation("system", nil)
	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonComplete, result.Reason)
	assert.Equal(t, "recovered", result.FinalText)
}

func TestAgentLoop_NonRetryableProviderErrorPropagates(t *testing.T) {
	provider := &fakeProvider{errs: []error{errors.New("401 unauthorized")}}
	loop := newTestLoop(t, provider, NewRegistry(nil), &LoopConfig{Model: "fake-model"})

	conv := NewConversation("system", nil)
	_, err := loop.Run(context.Background(), conv)
	require.Error(t, err)
	var loopErr *LoopError
	require.ErrorAs(t, err, &loopErr)
}

func TestAgentLoop_CompactionRunsBeforeCallWhenHistoryIsLarge(t *testing.T) {
	provider := &fakeProvider{responses: []string{"short reply"}}
	loop := newTestLoop(t, provider, NewRegistry(nil), &LoopConfig{
		Model: "fake-model",
		Compaction: &CompactionConfig{
			TriggerThresholdPercent: 1,
			TargetPercent:           0.5,
			PreserveRecentTurns:     1,
			ContextWindow:           1000,
			Strategy:                StrategySlidingWindow,
		},
	})

	conv := NewConversation("system", nil)
	for i := 0; i < 20; i++ {
		conv.AddUserMessage("padding message to grow the context well past the trigger threshold")
		conv.AddAssistantMessage("padding reply to grow the context well past the trigger threshold")
	}

	result, err := loop.Run(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, ReasonComplete, result.Reason)
}
