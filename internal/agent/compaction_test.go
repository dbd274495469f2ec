package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
	"github.com/haasonsaas/gadgetrt/pkg/models"
)

type fakeSummarizer struct {
	summary string
	err     error
	calls   [][]*models.Message
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []*models.Message) (string, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

// bigHistory builds n turns, each a user message followed by an assistant
// message whose content is sized so total tokens clearly exceed a small
// test context window.
func bigHistory(turns int, contentLen int) []*models.Message {
	var h []*models.Message
	big := make([]byte, contentLen)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < turns; i++ {
		h = append(h,
			&models.Message{Role: models.RoleUser, Content: string(big)},
			&models.Message{Role: models.RoleAssistant, Content: string(big)},
		)
	}
	return h
}

func TestCompactionManager_ShouldCompact(t *testing.T) {
	cfg := &CompactionConfig{TriggerThresholdPercent: 50, TargetPercent: 10, ContextWindow: 100}
	m := NewCompactionManager(cfg, nil, nil)

	assert.False(t, m.ShouldCompact(bigHistory(1, 10)))
	assert.True(t, m.ShouldCompact(bigHistory(10, 50)))
}

func TestCompactionManager_SlidingWindowDropsOldestTurns(t *testing.T) {
	cfg := &CompactionConfig{
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     1,
		ContextWindow:           100,
		Strategy:                StrategySlidingWindow,
	}
	m := NewCompactionManager(cfg, nil, nil)

	history := bigHistory(5, 40)
	out, err := m.Compact(context.Background(), 3, history)
	require.NoError(t, err)
	assert.Less(t, len(out), len(history))

	// the preserved turn's messages must survive verbatim at the tail
	lastTurn := history[len(history)-2:]
	assert.Equal(t, lastTurn, out[len(out)-2:])
}

func TestCompactionManager_SummarizationReplacesTurnsWithSummary(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "the gist of it"}
	cfg := &CompactionConfig{
		TriggerThresholdPercent: 50,
		TargetPercent:           5,
		PreserveRecentTurns:     1,
		ContextWindow:           100,
		Strategy:                StrategySummarization,
	}
	m := NewCompactionManager(cfg, summarizer, nil)

	out, err := m.Compact(context.Background(), 1, bigHistory(6, 40))
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, models.RoleSystem, out[0].Role)
	assert.Equal(t, "the gist of it", out[0].Content)
	assert.Len(t, summarizer.calls, 1)
}

func TestCompactionManager_HybridFallsBackToSlidingWindowBelowFloor(t *testing.T) {
	summarizer := &fakeSummarizer{summary: "should not be used"}
	var firedStrategy string
	bus := hooks.NewBus(nil)
	bus.OnCompaction(hooks.PriorityNormal, "capture", func(ctx context.Context, ev hooks.CompactionEvent) error {
		firedStrategy = ev.Strategy
		return nil
	})

	cfg := &CompactionConfig{
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     1,
		ContextWindow:           100,
		Strategy:                StrategyHybrid,
	}
	m := NewCompactionManager(cfg, summarizer, bus)

	// Only 2 turns are candidates (below hybridSummarizationFloor), so this
	// must resolve to sliding-window even though a summarizer is wired.
	out, err := m.Compact(context.Background(), 2, bigHistory(3, 60))
	require.NoError(t, err)
	assert.Empty(t, summarizer.calls)
	assert.Equal(t, string(StrategySlidingWindow), firedStrategy)
	assert.NotEmpty(t, out)
}

func TestCompactionManager_PreservesRecentTurnsVerbatim(t *testing.T) {
	cfg := &CompactionConfig{
		TriggerThresholdPercent: 50,
		TargetPercent:           10,
		PreserveRecentTurns:     2,
		ContextWindow:           100,
		Strategy:                StrategySlidingWindow,
	}
	m := NewCompactionManager(cfg, nil, nil)

	history := bigHistory(8, 40)
	out, err := m.Compact(context.Background(), 1, history)
	require.NoError(t, err)

	tail := history[len(history)-4:]
	assert.Equal(t, tail, out[len(out)-4:])
}

func TestCompactionManager_NoCompactionWhenTurnsBelowPreserveCount(t *testing.T) {
	cfg := &CompactionConfig{TriggerThresholdPercent: 50, TargetPercent: 10, PreserveRecentTurns: 5, ContextWindow: 100}
	m := NewCompactionManager(cfg, nil, nil)

	history := bigHistory(2, 40)
	out, err := m.Compact(context.Background(), 1, history)
	require.NoError(t, err)
	assert.Equal(t, history, out)
}

func TestCompactionManager_SummarizationErrorPropagates(t *testing.T) {
	wantErr := assertErr{"boom"}
	summarizer := &fakeSummarizer{err: wantErr}
	cfg := &CompactionConfig{
		TriggerThresholdPercent: 50,
		TargetPercent:           5,
		PreserveRecentTurns:     0,
		ContextWindow:           100,
		Strategy:                StrategySummarization,
	}
	m := NewCompactionManager(cfg, summarizer, nil)

	_, err := m.Compact(context.Background(), 1, bigHistory(6, 40))
	assert.Error(t, err)
}

func TestCompactionManager_EventReflectsExecutedStrategy(t *testing.T) {
	var got hooks.CompactionEvent
	bus := hooks.NewBus(nil)
	bus.OnCompaction(hooks.PriorityNormal, "capture", func(ctx context.Context, ev hooks.CompactionEvent) error {
		got = ev
		return nil
	})

	summarizer := &fakeSummarizer{summary: "summary"}
	cfg := &CompactionConfig{
		TriggerThresholdPercent: 50,
		TargetPercent:           5,
		PreserveRecentTurns:     1,
		ContextWindow:           100,
		Strategy:                StrategyHybrid,
	}
	m := NewCompactionManager(cfg, summarizer, bus)

	history := bigHistory(8, 40)
	_, err := m.Compact(context.Background(), 42, history)
	require.NoError(t, err)

	assert.Equal(t, 42, got.Iteration)
	assert.Equal(t, string(StrategySummarization), got.Strategy)
	assert.Equal(t, len(history), got.MessagesBefore)
	assert.Equal(t, "summary", got.Summary)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
