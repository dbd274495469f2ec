package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// CompactionStrategy names the algorithm the Compaction Manager applies to
// the turns it selects for removal (spec.md §4.5).
type CompactionStrategy string

const (
	// StrategySlidingWindow drops the selected turns outright.
	StrategySlidingWindow CompactionStrategy = "sliding-window"

	// StrategySummarization replaces the selected turns with a single
	// synthetic summary message produced by a non-streaming LLM call.
	StrategySummarization CompactionStrategy = "summarization"

	// StrategyHybrid falls back to sliding-window when fewer than three
	// turns are selected, otherwise summarizes. This is the default.
	StrategyHybrid CompactionStrategy = "hybrid"
)

const hybridSummarizationFloor = 3

// TokenCounter estimates the token cost of a set of messages. When unset,
// the Compaction Manager falls back to a character-based estimate
// (≈ 4 chars/token, spec.md §4.5).
type TokenCounter func(messages []*models.Message) int

// CompactionConfig configures the Compaction Manager.
type CompactionConfig struct {
	// TriggerThresholdPercent is the prompt-token usage percentage (0-100)
	// of ContextWindow that triggers compaction.
	// Default: 80.
	TriggerThresholdPercent float64

	// TargetPercent is the usage percentage (0-100) compaction aims to
	// bring history down to.
	// Default: 50.
	TargetPercent float64

	// PreserveRecentTurns is the number of most recent turns that are
	// never selected for compaction, regardless of size.
	// Default: 2.
	PreserveRecentTurns int

	// ContextWindow is the model's context window size in tokens.
	// Default: 100000.
	ContextWindow int

	// Strategy selects the compaction algorithm.
	// Default: StrategyHybrid.
	Strategy CompactionStrategy

	// TokenCounter overrides the default character-based estimate.
	TokenCounter TokenCounter
}

// DefaultCompactionConfig returns sensible defaults.
func DefaultCompactionConfig() *CompactionConfig {
	return &CompactionConfig{
		TriggerThresholdPercent: 80,
		TargetPercent:           50,
		PreserveRecentTurns:     5,
		ContextWindow:           100000,
		Strategy:                StrategyHybrid,
	}
}

// sanitizeCompactionConfig fills in defaults for unset/invalid fields and
// warns when the configuration can never make progress (spec.md §4.5).
func sanitizeCompactionConfig(config *CompactionConfig) *CompactionConfig {
	if config == nil {
		return DefaultCompactionConfig()
	}
	cfg := *config
	defaults := DefaultCompactionConfig()
	if cfg.TriggerThresholdPercent <= 0 {
		cfg.TriggerThresholdPercent = defaults.TriggerThresholdPercent
	}
	if cfg.TargetPercent <= 0 {
		cfg.TargetPercent = defaults.TargetPercent
	}
	if cfg.PreserveRecentTurns < 0 {
		cfg.PreserveRecentTurns = defaults.PreserveRecentTurns
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaults.ContextWindow
	}
	if cfg.Strategy == "" {
		cfg.Strategy = defaults.Strategy
	}
	if cfg.TargetPercent >= cfg.TriggerThresholdPercent {
		slog.Warn("compaction configuration cannot make progress",
			"target_percent", cfg.TargetPercent,
			"trigger_threshold_percent", cfg.TriggerThresholdPercent)
	}
	return &cfg
}

// Summarizer generates a non-streaming summary of a run of messages, used
// by the summarization and hybrid strategies.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message) (string, error)
}

// CompactionManager implements spec.md §4.5: it decides whether the current
// history needs compacting, groups it into Turns, and applies the
// configured strategy to the oldest turns until the history fits within
// the target token budget. Base messages are never passed to it and are
// therefore never touched (invariant I4/I5).
type CompactionManager struct {
	config     *CompactionConfig
	summarizer Summarizer
	bus        *hooks.Bus
}

// NewCompactionManager builds a Compaction Manager. summarizer may be nil
// if Strategy is StrategySlidingWindow; bus may be nil to disable event
// emission (e.g. in unit tests that only check the returned history).
func NewCompactionManager(config *CompactionConfig, summarizer Summarizer, bus *hooks.Bus) *CompactionManager {
	return &CompactionManager{
		config:     sanitizeCompactionConfig(config),
		summarizer: summarizer,
		bus:        bus,
	}
}

// EstimateTokens estimates the token cost of messages using the configured
// TokenCounter, falling back to a character-based estimate.
func (m *CompactionManager) EstimateTokens(messages []*models.Message) int {
	if m.config.TokenCounter != nil {
		return m.config.TokenCounter(messages)
	}
	return estimateTokensByChars(messages)
}

func estimateTokensByChars(messages []*models.Message) int {
	chars := 0
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		chars += len(msg.Text())
		for _, p := range msg.Parts {
			chars += len(p.Text)
		}
	}
	const charsPerToken = 4
	return chars / charsPerToken
}

// ShouldCompact reports whether history's estimated token cost exceeds
// TriggerThresholdPercent of ContextWindow.
func (m *CompactionManager) ShouldCompact(history []*models.Message) bool {
	if len(history) == 0 {
		return false
	}
	triggerTokens := int(m.config.TriggerThresholdPercent / 100 * float64(m.config.ContextWindow))
	return m.EstimateTokens(history) > triggerTokens
}

// Compact groups history into turns and removes the oldest ones (replacing
// them with a summary, under the summarization/hybrid strategies) until the
// estimated token cost is at or below TargetPercent of ContextWindow. The
// most recent PreserveRecentTurns turns are never selected. iteration is
// carried through to the emitted CompactionEvent for correlation.
func (m *CompactionManager) Compact(ctx context.Context, iteration int, history []*models.Message) ([]*models.Message, error) {
	turns := SplitTurns(history)
	if len(turns) <= m.config.PreserveRecentTurns {
		return history, nil
	}

	preserveFrom := len(turns) - m.config.PreserveRecentTurns
	candidates := turns[:preserveFrom]
	preserved := turns[preserveFrom:]

	targetTokens := int(m.config.TargetPercent / 100 * float64(m.config.ContextWindow))

	cut := 0
	for cut < len(candidates) {
		trial := cut + 1
		remaining := make([]*models.Message, 0, len(history))
		for _, t := range candidates[trial:] {
			remaining = append(remaining, t.Messages(history)...)
		}
		for _, t := range preserved {
			remaining = append(remaining, t.Messages(history)...)
		}
		cut = trial
		if m.EstimateTokens(remaining) <= targetTokens {
			break
		}
	}
	if cut == 0 {
		return history, nil
	}

	compactTurns := candidates[:cut]
	keptCandidates := candidates[cut:]

	var compacted []*models.Message
	for _, t := range compactTurns {
		compacted = append(compacted, t.Messages(history)...)
	}

	strategy := m.config.Strategy
	if strategy == StrategyHybrid {
		if len(compactTurns) < hybridSummarizationFloor {
			strategy = StrategySlidingWindow
		} else {
			strategy = StrategySummarization
		}
	}

	var summaryText string
	var newHistory []*models.Message
	switch strategy {
	case StrategySlidingWindow:
		// Compacted turns simply vanish.
	case StrategySummarization:
		if m.summarizer == nil {
			return nil, fmt.Errorf("compaction: summarization strategy requires a Summarizer")
		}
		summary, err := m.summarizer.Summarize(ctx, compacted)
		if err != nil {
			return nil, fmt.Errorf("compaction: summarize turns: %w", err)
		}
		summaryText = summary
		newHistory = append(newHistory, &models.Message{
			Role:    models.RoleSystem,
			Content: summaryText,
			Metadata: map[string]any{
				"compaction_summary": true,
				"iteration":          iteration,
			},
		})
	default:
		return nil, fmt.Errorf("compaction: unknown strategy %q", strategy)
	}

	for _, t := range keptCandidates {
		newHistory = append(newHistory, t.Messages(history)...)
	}
	for _, t := range preserved {
		newHistory = append(newHistory, t.Messages(history)...)
	}

	if m.bus != nil {
		m.bus.FireOnCompaction(ctx, hooks.CompactionEvent{
			Iteration:      iteration,
			Strategy:       string(strategy),
			MessagesBefore: len(history),
			MessagesAfter:  len(newHistory),
			TokensBefore:   m.EstimateTokens(history),
			TokensAfter:    m.EstimateTokens(newHistory),
			Summary:        summaryText,
		})
	}

	return newHistory, nil
}
