package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// Conversation owns two append-only message lists (spec.md §4.4):
//
//   - base: the system prompt, gadget instructions, and any resumed
//     history supplied at construction. Never mutated once a run starts
//     (invariant I4) and never subject to compaction.
//   - history: turns produced during the current run. Only this list is
//     eligible for compaction, and ReplaceHistory is how the Compaction
//     Manager swaps it atomically.
type Conversation struct {
	mu      sync.RWMutex
	base    []*models.Message
	history []*models.Message
}

// NewConversation builds a Conversation with base seeded from systemPrompt
// (if non-empty) and initialHistory (e.g. from a resumed session). base is
// copied so later mutation of the caller's slice can't reach back in.
func NewConversation(systemPrompt string, initialHistory []*models.Message) *Conversation {
	var base []*models.Message
	if systemPrompt != "" {
		base = append(base, &models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleSystem,
			Content:   systemPrompt,
			CreatedAt: time.Now(),
		})
	}
	base = append(base, append([]*models.Message(nil), initialHistory...)...)
	return &Conversation{base: base}
}

// GetMessages returns base ++ history, the full prompt for the next LLM
// call.
func (c *Conversation) GetMessages() []*models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Message, 0, len(c.base)+len(c.history))
	out = append(out, c.base...)
	out = append(out, c.history...)
	return out
}

// GetConversationHistory returns base ++ history as well, for session
// resumption purposes; base is never returned on its own by any other
// method (spec.md §4.4).
func (c *Conversation) GetConversationHistory() []*models.Message {
	return c.GetMessages()
}

// AddUserMessage appends a user-role message to history.
func (c *Conversation) AddUserMessage(content string) *models.Message {
	msg := &models.Message{ID: uuid.NewString(), Role: models.RoleUser, Content: content, CreatedAt: time.Now()}
	c.appendHistory(msg)
	return msg
}

// AddAssistantMessage appends the raw, verbatim assistant output (sentinel
// blocks included) to history, per spec.md §3's round-trip requirement.
func (c *Conversation) AddAssistantMessage(rawContent string) *models.Message {
	msg := &models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Content: rawContent, CreatedAt: time.Now()}
	c.appendHistory(msg)
	return msg
}

// AddGadgetCallResult appends a single user-role message summarizing a
// batch of gadget execution results, ordered to match the parsed order of
// the calls that produced them (invariant I3). The serialization pairs
// each result back to its invocation ID so the next assistant turn can
// reference it.
func (c *Conversation) AddGadgetCallResult(results []*GadgetExecutionResult) *models.Message {
	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		CreatedAt: time.Now(),
	}

	var parts []models.ContentPart
	var sb strings.Builder
	for _, r := range results {
		if r == nil {
			continue
		}
		params, _ := json.Marshal(r.Parameters)
		if r.IsError() {
			fmt.Fprintf(&sb, "!!!GADGET_RESULT:%s:%s\nparams: %s\nerror: %s\n!!!GADGET_RESULT_END\n\n", r.GadgetName, r.InvocationID, params, r.Error)
		} else {
			fmt.Fprintf(&sb, "!!!GADGET_RESULT:%s:%s\nparams: %s\n%s\n!!!GADGET_RESULT_END\n\n", r.GadgetName, r.InvocationID, params, r.Result)
		}
		parts = append(parts, models.ContentPart{
			Kind:       models.ContentGadgetResult,
			Text:       r.Result,
			GadgetID:   r.InvocationID,
			Parameters: r.Parameters,
		})
		for _, m := range r.MediaOutputs {
			media := m
			parts = append(parts, models.ContentPart{Kind: models.ContentImage, Media: &media, GadgetID: r.InvocationID})
		}
	}
	msg.Content = sb.String()
	msg.Parts = parts

	c.appendHistory(msg)
	return msg
}

// ReplaceHistory atomically swaps the history list. Used by the
// Compaction Manager; base is untouched.
func (c *Conversation) ReplaceHistory(newHistory []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = newHistory
}

// History returns a snapshot of the current history list (compaction
// candidates only, base excluded).
func (c *Conversation) History() []*models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Base returns a snapshot of the base message list.
func (c *Conversation) Base() []*models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Message, len(c.base))
	copy(out, c.base)
	return out
}

func (c *Conversation) appendHistory(msg *models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, msg)
}
