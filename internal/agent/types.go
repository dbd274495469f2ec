package agent

import (
	"time"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// ParsedGadgetCall is one gadget invocation parsed out of an assistant
// message's sentinel blocks (spec.md §3).
type ParsedGadgetCall struct {
	GadgetName   string
	InvocationID string
	Parameters   map[string]any
	Dependencies []string
}

// GadgetExecutionResult is the outcome of running one ParsedGadgetCall.
// Exactly one of Result or Error is meaningful.
type GadgetExecutionResult struct {
	GadgetName   string
	InvocationID string
	Parameters   map[string]any
	Result       string
	MediaOutputs []models.Attachment
	MediaIDs     []string
	Error        string
	ElapsedMs    int64
}

// IsError reports whether this result represents a failure.
func (r *GadgetExecutionResult) IsError() bool {
	return r.Error != ""
}

// StoredOutput is a content-addressed record of an oversized gadget result
// (spec.md §4.3).
type StoredOutput struct {
	ID        string
	GadgetName string
	Content   string
	ByteSize  int
	LineCount int
	Timestamp time.Time
}

// Turn is a contiguous group of messages starting at a non-assistant role,
// followed by consecutive assistant messages, plus any orphaned
// assistant-only preamble (spec.md §3). Turns are the atomic unit of
// compaction and are computed as index ranges over History, never
// materialized as a separate copy.
type Turn struct {
	Start int // inclusive index into the owning message slice
	End   int // exclusive index into the owning message slice
}

// Messages returns the slice of messages belonging to this turn.
func (t Turn) Messages(history []*models.Message) []*models.Message {
	return history[t.Start:t.End]
}

// SplitTurns groups a flat history slice into Turns. A turn begins at a
// non-assistant-role message (user/system) and extends through any
// immediately following assistant messages. Leading assistant-only
// messages before the first non-assistant message form an orphaned
// preamble turn of their own, matching spec.md §3's "plus any orphaned
// assistant-only preamble" clause.
func SplitTurns(history []*models.Message) []Turn {
	if len(history) == 0 {
		return nil
	}
	var turns []Turn
	i := 0
	for i < len(history) {
		start := i
		if history[i].Role != models.RoleAssistant {
			i++
		}
		for i < len(history) && history[i].Role == models.RoleAssistant {
			i++
		}
		turns = append(turns, Turn{Start: start, End: i})
	}
	return turns
}
