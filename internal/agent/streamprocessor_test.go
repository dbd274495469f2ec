package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/gadgetrt/internal/agent/blockparser"
)

func chunksFrom(texts ...string) <-chan *CompletionChunk {
	ch := make(chan *CompletionChunk, len(texts)+1)
	for _, t := range texts {
		ch <- &CompletionChunk{Text: t}
	}
	close(ch)
	return ch
}

func TestStreamProcessor_AccumulatesPlainTextVerbatim(t *testing.T) {
	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	result, err := sp.Process(context.Background(), 1, chunksFrom("hello ", "world\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", result.RawResponse)
	assert.Empty(t, result.ParsedCalls)
}

func TestStreamProcessor_ParsesGadgetCallAcrossChunkBoundaries(t *testing.T) {
	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	chunks := chunksFrom(
		"Let me search.\n!!!GADGET_START:Search:gc_1\n",
		"!!!ARG:/query\ngo modules\n",
		"!!!GADGET_END\n",
	)
	result, err := sp.Process(context.Background(), 1, chunks)
	require.NoError(t, err)
	require.Len(t, result.ParsedCalls, 1)
	call := result.ParsedCalls[0]
	assert.Equal(t, "Search", call.GadgetName)
	assert.Equal(t, "gc_1", call.InvocationID)
	assert.Equal(t, "go modules", call.Parameters["query"])
}

func TestStreamProcessor_MultipleCallsPreserveParsedOrder(t *testing.T) {
	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	chunks := chunksFrom(
		"!!!GADGET_START:A:gc_1\n!!!GADGET_END\n",
		"!!!GADGET_START:B:gc_2\n!!!GADGET_END\n",
	)
	result, err := sp.Process(context.Background(), 1, chunks)
	require.NoError(t, err)
	require.Len(t, result.ParsedCalls, 2)
	assert.Equal(t, "gc_1", result.ParsedCalls[0].InvocationID)
	assert.Equal(t, "gc_2", result.ParsedCalls[1].InvocationID)
}

func TestStreamProcessor_ChunkErrorAbortsStream(t *testing.T) {
	ch := make(chan *CompletionChunk, 2)
	ch <- &CompletionChunk{Text: "partial"}
	ch <- &CompletionChunk{Err: errors.New("connection reset")}
	close(ch)

	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	_, err := sp.Process(context.Background(), 1, ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestStreamProcessor_CancellationStopsDraining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan *CompletionChunk) // never sends, never closes
	cancel()

	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	_, err := sp.Process(ctx, 1, ch)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamProcessor_CapturesFinalUsageAndFinishReason(t *testing.T) {
	ch := make(chan *CompletionChunk, 2)
	ch <- &CompletionChunk{Text: "hi"}
	ch <- &CompletionChunk{Usage: &Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, FinishReason: "stop"}
	close(ch)

	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	result, err := sp.Process(context.Background(), 1, ch)
	require.NoError(t, err)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestStreamProcessor_MalformedCallRecordsParseError(t *testing.T) {
	chunks := chunksFrom("!!!GADGET_START:A:gc_1\n!!!ARG:/x\n1\n!!!GADGET_START:B:gc_2\n!!!GADGET_END\n")
	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	result, err := sp.Process(context.Background(), 1, chunks)
	require.NoError(t, err)
	require.NotEmpty(t, result.ParseErrors)
	require.Len(t, result.ParsedCalls, 1)
	assert.Equal(t, "B", result.ParsedCalls[0].GadgetName)
}

func TestStreamProcessor_TimesOutIfChannelNeverClosesAndCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ch := make(chan *CompletionChunk)

	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	_, err := sp.Process(ctx, 1, ch)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToParsedGadgetCalls_AdaptsShape(t *testing.T) {
	sp := NewStreamProcessor(blockparser.DefaultPrefixes(), nil, nil)
	chunks := chunksFrom("!!!GADGET_START:Search:gc_1:gc_0\n!!!ARG:/q\ngo\n!!!GADGET_END\n")
	result, err := sp.Process(context.Background(), 1, chunks)
	require.NoError(t, err)

	calls := ToParsedGadgetCalls(result.ParsedCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, "Search", calls[0].GadgetName)
	assert.Equal(t, []string{"gc_0"}, calls[0].Dependencies)
}
