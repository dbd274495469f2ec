package agent

import (
	"context"
	"fmt"

	"github.com/haasonsaas/gadgetrt/internal/agent/blockparser"
	"github.com/haasonsaas/gadgetrt/internal/hooks"
)

// StreamResult is everything one completion call produced once its
// channel closes: the raw assistant text (stored verbatim in the
// Conversation so a resumed session round-trips exactly), the gadget
// calls parsed out of it in parsed order (invariant I3), the provider's
// finish reason, and its final usage figures (spec.md §4.6).
type StreamResult struct {
	RawResponse  string
	FinishReason string
	Usage        Usage
	ParsedCalls  []blockparser.ParsedCall
	ParseErrors  []error
}

// StreamProcessor drains an LLMProvider's CompletionChunk channel through
// a Block Parser, co-emitting plain text and gadget invocations as the
// response streams in. It owns no retry logic itself — the Agent Loop
// decides whether a channel error is worth retrying (spec.md §4.8/§7);
// the Stream Processor only reports what happened.
type StreamProcessor struct {
	prefixes blockparser.Prefixes
	hint     blockparser.TypeHintFunc
	bus      *hooks.Bus
}

// NewStreamProcessor builds a StreamProcessor. prefixes defaults to
// blockparser.DefaultPrefixes() if the zero value is passed. bus may be
// nil to disable onChunk event emission.
func NewStreamProcessor(prefixes blockparser.Prefixes, hint blockparser.TypeHintFunc, bus *hooks.Bus) *StreamProcessor {
	if prefixes == (blockparser.Prefixes{}) {
		prefixes = blockparser.DefaultPrefixes()
	}
	return &StreamProcessor{prefixes: prefixes, hint: hint, bus: bus}
}

// Process drains chunks until the channel closes or ctx is cancelled,
// feeding each chunk's text through a fresh Parser. A chunk with a
// non-nil Err aborts the stream and that error is returned directly
// (the Agent Loop classifies it for retry). Cancellation returns
// ctx.Err().
func (sp *StreamProcessor) Process(ctx context.Context, iteration int, chunks <-chan *CompletionChunk) (*StreamResult, error) {
	parser := blockparser.New(sp.prefixes, sp.hint)
	result := &StreamResult{}

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case chunk, open := <-chunks:
			if !open {
				sp.finish(ctx, iteration, parser, result)
				return result, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Err != nil {
				return result, chunk.Err
			}

			text := chunk.Text
			if sp.bus != nil {
				rewritten, err := sp.bus.FireOnChunk(ctx, hooks.ChunkEvent{Iteration: iteration, Raw: text})
				if err == nil {
					text = rewritten
				}
			}

			result.RawResponse += text
			sp.consume(parser, result, text)

			if chunk.Usage != nil {
				result.Usage = Usage{
					InputTokens:  chunk.Usage.InputTokens,
					OutputTokens: chunk.Usage.OutputTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if chunk.FinishReason != "" {
				result.FinishReason = chunk.FinishReason
			}
		}
	}
}

func (sp *StreamProcessor) consume(parser *blockparser.Parser, result *StreamResult, text string) {
	for _, ev := range parser.Feed(text) {
		sp.handle(result, ev)
	}
}

func (sp *StreamProcessor) finish(ctx context.Context, iteration int, parser *blockparser.Parser, result *StreamResult) {
	for _, ev := range parser.Finish() {
		sp.handle(result, ev)
	}
}

func (sp *StreamProcessor) handle(result *StreamResult, ev blockparser.Event) {
	switch ev.Kind {
	case blockparser.KindGadgetCallEnd:
		result.ParsedCalls = append(result.ParsedCalls, blockparser.CallFromEvent(ev))
	case blockparser.KindError:
		result.ParseErrors = append(result.ParseErrors, fmt.Errorf("gadget call %s: %w", ev.InvocationID, ev.Err))
	case blockparser.KindText, blockparser.KindGadgetArg, blockparser.KindGadgetCallBegin:
		// Plain text and in-progress argument/begin events carry no
		// state the Agent Loop needs after the stream closes; the
		// assembled ParsedCall from KindGadgetCallEnd is what matters.
	}
}

// ToParsedGadgetCalls adapts blockparser.ParsedCall values (parser-owned
// shape) into agent.ParsedGadgetCall values (scheduler-owned shape).
func ToParsedGadgetCalls(calls []blockparser.ParsedCall) []ParsedGadgetCall {
	out := make([]ParsedGadgetCall, len(calls))
	for i, c := range calls {
		out[i] = ParsedGadgetCall{
			GadgetName:   c.GadgetName,
			InvocationID: c.InvocationID,
			Parameters:   c.Parameters,
			Dependencies: c.Dependencies,
		}
	}
	return out
}
