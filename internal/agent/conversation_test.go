package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/gadgetrt/pkg/models"
)

func TestConversation_GetMessagesIsBasePlusHistory(t *testing.T) {
	c := NewConversation("you are an agent", []*models.Message{
		{Role: models.RoleUser, Content: "resumed turn"},
	})
	c.AddUserMessage("hello")

	msgs := c.GetMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, "resumed turn", msgs[1].Content)
	assert.Equal(t, "hello", msgs[2].Content)
}

func TestConversation_BaseNeverReturnedAlone(t *testing.T) {
	c := NewConversation("system prompt", nil)
	c.AddUserMessage("hi")

	history := c.GetConversationHistory()
	require.Len(t, history, 2)
	assert.Equal(t, c.GetMessages(), history)
}

func TestConversation_AddGadgetCallResultOrdersByParsedOrder(t *testing.T) {
	c := NewConversation("", nil)
	c.AddAssistantMessage("!!!GADGET_START:Search:gc_1\n!!!ARG:/q\ngo\n!!!GADGET_END\n")

	msg := c.AddGadgetCallResult([]*GadgetExecutionResult{
		{GadgetName: "Search", InvocationID: "gc_1", Result: "first result"},
		{GadgetName: "Fetch", InvocationID: "gc_2", Error: "timed out"},
	})

	require.Len(t, msg.Parts, 2)
	assert.Equal(t, "gc_1", msg.Parts[0].GadgetID)
	assert.Equal(t, "first result", msg.Parts[0].Text)
	assert.Equal(t, "gc_2", msg.Parts[1].GadgetID)
	assert.Contains(t, msg.Content, "gc_1")
	assert.Contains(t, msg.Content, "error: timed out")
}

func TestConversation_AddGadgetCallResultCarriesOriginalParameters(t *testing.T) {
	c := NewConversation("", nil)

	msg := c.AddGadgetCallResult([]*GadgetExecutionResult{
		{GadgetName: "Search", InvocationID: "gc_1", Result: "ok", Parameters: map[string]any{"q": "go generics"}},
	})

	require.Len(t, msg.Parts, 1)
	assert.Equal(t, map[string]any{"q": "go generics"}, msg.Parts[0].Parameters)
	assert.Contains(t, msg.Content, "go generics")
}

func TestConversation_ReplaceHistorySwapsAtomicallyWithoutTouchingBase(t *testing.T) {
	c := NewConversation("system prompt", nil)
	c.AddUserMessage("one")
	c.AddUserMessage("two")
	c.AddUserMessage("three")

	c.ReplaceHistory([]*models.Message{{Role: models.RoleSystem, Content: "compacted summary"}})

	assert.Len(t, c.Base(), 1)
	assert.Equal(t, "system prompt", c.Base()[0].Content)
	require.Len(t, c.History(), 1)
	assert.Equal(t, "compacted summary", c.History()[0].Content)
}

func TestConversation_AssistantMessageIsStoredVerbatim(t *testing.T) {
	c := NewConversation("", nil)
	raw := "thinking...\n!!!GADGET_START:Search:gc_1\n!!!ARG:/q\ngo\n!!!GADGET_END\n"
	c.AddAssistantMessage(raw)

	assert.Equal(t, raw, c.History()[0].Content)
}
