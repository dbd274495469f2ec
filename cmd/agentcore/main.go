// Command agentcore is a minimal runnable demonstration of the gadget
// runtime core: it wires a Registry, a Hook Bus with the bundled trace and
// metrics observers, a session store for resuming prior history, and an
// AgentLoop, then drives one run against a scripted demo LLMProvider.
//
// agentcore intentionally has no subcommands, flags-driven provider
// selection, or approval/TUI surface: CLI/config/templating beyond a
// single optional YAML file are out of scope for the runtime core this
// binary demonstrates.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/gadgetrt/internal/agent"
	agentcontext "github.com/haasonsaas/gadgetrt/internal/context"
	"github.com/haasonsaas/gadgetrt/internal/hooks"
	"github.com/haasonsaas/gadgetrt/internal/hooks/bundled"
	"github.com/haasonsaas/gadgetrt/internal/sessions"
	"github.com/haasonsaas/gadgetrt/internal/usage"
	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// runConfig is the optional YAML file an operator may point agentcore at
// via AGENTCORE_CONFIG. Anything it doesn't set falls back to
// agent.DefaultLoopConfig's defaults.
type runConfig struct {
	Model         string  `yaml:"model"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxIterations int     `yaml:"max_iterations"`
	BudgetUSD     float64 `yaml:"budget_usd"`
	TracePath     string  `yaml:"trace_path"`
}

func loadRunConfig(path string) (*runConfig, error) {
	cfg := &runConfig{Model: "demo:echo", SystemPrompt: "You are a terse assistant.", MaxIterations: 6}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadRunConfig(os.Getenv("AGENTCORE_CONFIG"))
	if err != nil {
		return err
	}

	bus := hooks.NewBus(slog.Default())

	tracePath := cfg.TracePath
	if tracePath == "" {
		tracePath = "agentcore-trace.jsonl"
	}
	tracer, err := bundled.NewTracerFile(tracePath, "agentcore-demo-run")
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer tracer.Close()
	tracer.Register(bus, hooks.PriorityLow)

	metrics := bundled.NewMetrics(nil)
	metrics.Register(bus, hooks.PriorityLow)

	registry := agent.NewRegistry(nil)
	registry.Register(echoGadgetDescriptor())

	store := sessions.NewMemoryStore()
	const sessionID = "demo-session"
	if _, err := store.GetOrCreate(ctx, sessionID); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	history, err := store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("load session history: %w", err)
	}

	pricing := func(model string) (usage.Cost, bool) {
		return usage.Cost{Input: 3, Output: 15}, true
	}
	budget := cfg.BudgetUSD
	var budgetPtr *float64
	if budget > 0 {
		budgetPtr = &budget
	}

	loopCfg := agent.DefaultLoopConfig()
	loopCfg.Model = cfg.Model
	loopCfg.System = cfg.SystemPrompt
	if cfg.MaxIterations > 0 {
		loopCfg.MaxIterations = cfg.MaxIterations
	}
	loopCfg.Budget = budgetPtr
	loopCfg.Pricing = pricing
	// Token counting is not a core concern (spec's model-registry
	// Non-goal): wiring internal/context's estimator here is an embedder
	// choice, not something AgentLoop defaults to on its own.
	loopCfg.Compaction.TokenCounter = func(messages []*models.Message) int {
		contents := make([]string, len(messages))
		for i, m := range messages {
			contents[i] = m.Text()
		}
		return agentcontext.EstimateTokensForMessages(contents)
	}
	if window, ok := agentcontext.GetModelContextWindow(cfg.Model); ok {
		loopCfg.Compaction.ContextWindow = window
	}

	loop, err := agent.NewAgentLoop(&demoProvider{}, registry, bus, loopCfg)
	if err != nil {
		return fmt.Errorf("construct agent loop: %w", err)
	}

	conv := agent.NewConversation(cfg.SystemPrompt, history)
	conv.AddUserMessage("What's 2+2? Use the Echo gadget to show your work.")

	result, err := loop.Run(ctx, conv)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if err := store.AppendMessages(ctx, sessionID, conv.History()...); err != nil {
		return fmt.Errorf("persist session history: %w", err)
	}

	slog.Info("run finished",
		"reason", result.Reason,
		"iterations", result.Iterations,
		"cost_usd", result.CostSoFar,
		"final_text", result.FinalText,
	)
	return nil
}

// echoGadgetDescriptor registers a trivial gadget so the demo run has
// something to call; it is not meant as a reusable production gadget.
func echoGadgetDescriptor() agent.Descriptor {
	return agent.Descriptor{Gadget: &echoGadget{}, TimeoutMs: 5000}
}

type echoGadget struct{}

func (g *echoGadget) Name() string        { return "Echo" }
func (g *echoGadget) Description() string { return "Echoes back the given text, for demo purposes." }
func (g *echoGadget) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`)
}

func (g *echoGadget) Execute(ctx context.Context, params map[string]any) (*agent.GadgetOutput, error) {
	text, _ := params["text"].(string)
	return &agent.GadgetOutput{Result: text}, nil
}

// demoProvider is a scripted LLMProvider standing in for a real model
// backend (provider adapters/transport are out of scope for the core).
// It always answers with a fixed gadget call on the first turn and a
// fixed text reply on any subsequent turn.
type demoProvider struct {
	calls int
}

func (p *demoProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	text := "2+2 is 4."
	if p.calls == 0 {
		text = "!!!GADGET_START:Echo:call_1\n!!!ARG:/text\n2+2=4\n!!!GADGET_END\n"
	}
	p.calls++
	ch <- &agent.CompletionChunk{Text: text}
	ch <- &agent.CompletionChunk{
		Usage:        &agent.Usage{InputTokens: 120, OutputTokens: 40, TotalTokens: 160},
		FinishReason: "stop",
	}
	close(ch)
	return ch, nil
}

func (p *demoProvider) Name() string { return "demo" }

func (p *demoProvider) Models() []agent.Model {
	return []agent.Model{{ID: "demo:echo", Name: "Echo Demo Model", ContextWindow: 32000}}
}
