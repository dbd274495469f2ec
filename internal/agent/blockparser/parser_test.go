package blockparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(p *Parser, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	events = append(events, p.Finish()...)
	return events
}

func TestParser_PureText(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p, "hello\nworld\n")

	require.Len(t, events, 1)
	assert.Equal(t, KindText, events[0].Kind)
	assert.Equal(t, "hello\nworld\n", events[0].Text)
}

func TestParser_SingleGadgetOneArg(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"before\n"+
			"!!!GADGET_START:Search:call-1\n"+
			"!!!ARG:/query\n"+
			"golang\n"+
			"!!!GADGET_END\n"+
			"after\n")

	var kinds []Kind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []Kind{KindText, KindGadgetCallBegin, KindGadgetArg, KindGadgetCallEnd, KindText}, kinds)

	begin := events[1]
	assert.Equal(t, "Search", begin.GadgetName)
	assert.Equal(t, "call-1", begin.InvocationID)
	assert.Empty(t, begin.Dependencies)

	arg := events[2]
	assert.Equal(t, "/query", arg.Pointer)
	assert.Equal(t, "golang", arg.Value)
	assert.Equal(t, "golang", arg.Coerced)

	end := events[3]
	require.Equal(t, KindGadgetCallEnd, end.Kind)
	assert.Equal(t, "Search", end.GadgetName)
	assert.Equal(t, "call-1", end.InvocationID)
	assert.Equal(t, map[string]any{"query": "golang"}, end.Parameters)

	assert.Equal(t, "before\n", events[0].Text)
	assert.Equal(t, "after\n", events[4].Text)
}

func TestParser_DependenciesParsed(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Fetch:call-2:call-0,call-1\n"+
			"!!!GADGET_END\n")

	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, []string{"call-0", "call-1"}, events[0].Dependencies)
}

func TestParser_MultipleArgsObjectAndArrayPointers(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Update:call-3\n"+
			"!!!ARG:/user/name\n"+
			"ada\n"+
			"!!!ARG:/tags/0\n"+
			"x\n"+
			"!!!ARG:/tags/1\n"+
			"y\n"+
			"!!!GADGET_END\n")

	var end Event
	for _, ev := range events {
		if ev.Kind == KindGadgetCallEnd {
			end = ev
		}
	}
	require.NotNil(t, end.Parameters)
	want := map[string]any{
		"user": map[string]any{"name": "ada"},
		"tags": []any{"x", "y"},
	}
	assert.Equal(t, want, end.Parameters)
}

func TestParser_DuplicatePointerAborts(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Update:call-4\n"+
			"!!!ARG:/x\n"+
			"1\n"+
			"!!!ARG:/x\n"+
			"2\n"+
			"!!!GADGET_END\n")

	var errEvent *Event
	for i := range events {
		if events[i].Kind == KindError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.ErrorIs(t, errEvent.Err, ErrDuplicatePointer)

	for _, ev := range events {
		assert.NotEqual(t, KindGadgetCallEnd, ev.Kind)
	}
}

func TestParser_ArrayIndexGapAborts(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Update:call-5\n"+
			"!!!ARG:/tags/0\n"+
			"x\n"+
			"!!!ARG:/tags/2\n"+
			"z\n"+
			"!!!GADGET_END\n")

	var errEvent *Event
	for i := range events {
		if events[i].Kind == KindError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.ErrorIs(t, errEvent.Err, ErrIndexGap)
}

func TestParser_UnknownSentinelAborts(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Update:call-6\n"+
			"!!!BOGUS:thing\n"+
			"!!!GADGET_END\n")

	var errEvent *Event
	for i := range events {
		if events[i].Kind == KindError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
}

func TestParser_DuplicateInvocationID_FirstSucceedsSecondRejected(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Search:dup\n"+
			"!!!ARG:/q\n"+
			"a\n"+
			"!!!GADGET_END\n"+
			"!!!GADGET_START:Search:dup\n"+
			"!!!ARG:/q\n"+
			"b\n"+
			"!!!GADGET_END\n")

	var ends, errs int
	for _, ev := range events {
		switch ev.Kind {
		case KindGadgetCallEnd:
			ends++
		case KindError:
			errs++
		}
	}
	assert.Equal(t, 1, ends)
	assert.Equal(t, 1, errs)
}

func TestParser_MultilineValueNeverCoerced(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_START:Run:call-7\n"+
			"!!!ARG:/code\n"+
			"true\n"+
			"123\n"+
			"!!!GADGET_END\n")

	var arg Event
	for _, ev := range events {
		if ev.Kind == KindGadgetArg {
			arg = ev
		}
	}
	assert.Equal(t, "true\n123", arg.Value)
	assert.Equal(t, "true\n123", arg.Coerced)
}

func TestParser_PartialChunkAcrossSentinelBoundary(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p,
		"!!!GADGET_STA", "RT:Search:call-8\n"+
			"!!!ARG:/q\n"+
			"go",
		"lang\n"+
			"!!!GADGET_E", "ND\n")

	var kinds []Kind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, KindGadgetCallBegin)
	assert.Contains(t, kinds, KindGadgetCallEnd)
}

func TestParser_FinishAbortsOnMissingEnd(t *testing.T) {
	p := New(DefaultPrefixes(), nil)
	events := feedAll(p, "!!!GADGET_START:Search:call-9\n!!!ARG:/q\ngolang\n")

	var errEvent *Event
	for i := range events {
		if events[i].Kind == KindError {
			errEvent = &events[i]
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, "call-9", errEvent.InvocationID)
}

func TestParser_TypeHintCoercion(t *testing.T) {
	hint := func(pointer string) TypeHint {
		switch pointer {
		case "/count":
			return HintNumber
		case "/enabled":
			return HintBoolean
		default:
			return HintString
		}
	}
	p := New(DefaultPrefixes(), hint)
	events := feedAll(p,
		"!!!GADGET_START:Configure:call-10\n"+
			"!!!ARG:/count\n"+
			"42\n"+
			"!!!ARG:/enabled\n"+
			"true\n"+
			"!!!ARG:/label\n"+
			"42\n"+
			"!!!GADGET_END\n")

	var end Event
	for _, ev := range events {
		if ev.Kind == KindGadgetCallEnd {
			end = ev
		}
	}
	assert.Equal(t, float64(42), end.Parameters["count"])
	assert.Equal(t, true, end.Parameters["enabled"])
	assert.Equal(t, "42", end.Parameters["label"])
}
