package blockparser

import (
	"fmt"
	"strings"
)

// Prefixes holds the three sentinel prefixes. They are configurable but
// fixed for the lifetime of one Parser / one run (spec.md §6).
type Prefixes struct {
	Start string // default "!!!GADGET_START:"
	Arg   string // default "!!!ARG:"
	End   string // default "!!!GADGET_END"
}

// DefaultPrefixes returns the sentinel literals spec.md §6 documents.
func DefaultPrefixes() Prefixes {
	return Prefixes{
		Start: "!!!GADGET_START:",
		Arg:   "!!!ARG:",
		End:   "!!!GADGET_END",
	}
}

type parserState int

const (
	stateOutside parserState = iota
	stateInArgs
)

// ParsedCall is one fully assembled gadget invocation. The Parameters map
// is built by applying each ARG pointer/value pair in order (see pointer.go).
type ParsedCall struct {
	GadgetName   string
	InvocationID string
	Dependencies []string
	Parameters   map[string]any
}

// CallFromEvent extracts a ParsedCall from a KindGadgetCallEnd event. It
// panics if ev is not that kind; callers should only invoke it on events
// they've already switched on.
func CallFromEvent(ev Event) ParsedCall {
	if ev.Kind != KindGadgetCallEnd {
		panic("blockparser: CallFromEvent requires a KindGadgetCallEnd event")
	}
	return ParsedCall{
		GadgetName:   ev.GadgetName,
		InvocationID: ev.InvocationID,
		Dependencies: ev.Dependencies,
		Parameters:   ev.Parameters,
	}
}

// Parser is the incremental block-parser state machine (spec.md §4.1). One
// Parser is created per assistant message; feed it chunks as they arrive
// and call Finish at end of stream.
type Parser struct {
	prefixes Prefixes
	hint     TypeHintFunc

	state  parserState
	pend   string // buffered partial line (no trailing '\n' yet)
	textBuf strings.Builder

	// current in-progress call
	callName   string
	callID     string
	callDeps   []string
	callParams map[string]any
	callSeenPtr map[string]bool
	callAborted bool

	// open ARG region within the current call
	argOpen    bool
	argPointer string
	argLines   []string

	seenInvocationIDs map[string]bool
}

// New creates a Parser. hint may be nil, in which case all values are
// coerced under HintUnknown rules.
func New(prefixes Prefixes, hint TypeHintFunc) *Parser {
	return &Parser{
		prefixes:          prefixes,
		hint:              hint,
		seenInvocationIDs: make(map[string]bool),
	}
}

// Feed processes a chunk of assistant text and returns the structural
// events produced so far. Feed never reorders text already emitted and may
// buffer up to the longest sentinel-prefix worth of trailing text across
// calls (spec.md §4.1 "Partial tokens").
func (p *Parser) Feed(chunk string) []Event {
	var events []Event
	data := p.pend + chunk
	p.pend = ""

	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			p.pend = data
			break
		}
		line := data[:idx]
		data = data[idx+1:]
		events = append(events, p.processLine(line)...)
	}
	return events
}

// Finish flushes any buffered partial line and closes out the stream,
// returning final events (including a trailing text event if content
// remains, and an error if a call was left open).
func (p *Parser) Finish() []Event {
	var events []Event
	if p.pend != "" {
		events = append(events, p.processLine(p.pend)...)
		p.pend = ""
	}
	if p.state == stateInArgs {
		events = append(events, p.abortCurrentCall(fmt.Errorf("missing %s before end of stream", strings.TrimSuffix(p.prefixes.End, "\n")))...)
	}
	if p.textBuf.Len() > 0 {
		events = append(events, Event{Kind: KindText, Text: p.textBuf.String()})
		p.textBuf.Reset()
	}
	return events
}

func (p *Parser) processLine(line string) []Event {
	switch p.state {
	case stateOutside:
		if strings.HasPrefix(line, p.prefixes.Start) {
			return p.beginCall(line)
		}
		p.textBuf.WriteString(line)
		p.textBuf.WriteByte('\n')
		return nil
	case stateInArgs:
		switch {
		case strings.HasPrefix(line, p.prefixes.Start):
			var events []Event
			if !p.callAborted {
				events = append(events, p.abortCurrentCall(fmt.Errorf("new gadget_call_begin before matching %s", strings.TrimSuffix(p.prefixes.End, "\n")))...)
			} else {
				p.resetCall()
			}
			events = append(events, p.beginCall(line)...)
			return events
		case strings.HasPrefix(line, p.prefixes.Arg):
			return p.openArg(line)
		case line == p.prefixes.End || strings.HasPrefix(line, p.prefixes.End):
			return p.endCall()
		case strings.HasPrefix(line, "!!!"):
			return p.abortCurrentCall(fmt.Errorf("unknown sentinel line %q", line))
		default:
			if p.argOpen {
				p.argLines = append(p.argLines, line)
			}
			return nil
		}
	}
	return nil
}

func (p *Parser) beginCall(line string) []Event {
	var events []Event
	if p.textBuf.Len() > 0 {
		events = append(events, Event{Kind: KindText, Text: p.textBuf.String()})
		p.textBuf.Reset()
	}

	rest := line[len(p.prefixes.Start):]
	fields := strings.SplitN(rest, ":", 3)
	name := fields[0]
	id := ""
	var deps []string
	if len(fields) > 1 {
		id = fields[1]
	}
	if len(fields) > 2 && fields[2] != "" {
		deps = strings.Split(fields[2], ",")
	}

	p.callName = name
	p.callID = id
	p.callDeps = deps
	p.callParams = make(map[string]any)
	p.callSeenPtr = make(map[string]bool)
	p.callAborted = false
	p.state = stateInArgs

	if p.seenInvocationIDs[id] {
		events = append(events, Event{Kind: KindGadgetCallBegin, GadgetName: name, InvocationID: id, Dependencies: deps})
		events = append(events, p.abortCurrentCall(fmt.Errorf("duplicate invocation id %q", id))...)
		return events
	}
	p.seenInvocationIDs[id] = true

	events = append(events, Event{Kind: KindGadgetCallBegin, GadgetName: name, InvocationID: id, Dependencies: deps})
	return events
}

func (p *Parser) openArg(line string) []Event {
	var events []Event
	if p.argOpen {
		events = append(events, p.closeArg()...)
	}
	if p.callAborted {
		p.argOpen = false
		return events
	}
	p.argPointer = line[len(p.prefixes.Arg):]
	p.argLines = nil
	p.argOpen = true
	return events
}

func (p *Parser) closeArg() []Event {
	if !p.argOpen {
		return nil
	}
	p.argOpen = false
	value := strings.Join(p.argLines, "\n")

	if p.callAborted {
		return nil
	}

	if p.callSeenPtr[p.argPointer] {
		return p.abortCurrentCall(fmt.Errorf("%w: %q", ErrDuplicatePointer, p.argPointer))
	}
	p.callSeenPtr[p.argPointer] = true

	coerced := coerce(value, p.hintFor(p.argPointer))
	if err := Assign(p.callParams, p.argPointer, coerced); err != nil {
		return p.abortCurrentCall(fmt.Errorf("argument %q: %w", p.argPointer, err))
	}

	return []Event{{
		Kind:         KindGadgetArg,
		InvocationID: p.callID,
		Pointer:      p.argPointer,
		Value:        value,
		Coerced:      coerced,
	}}
}

func (p *Parser) hintFor(pointer string) TypeHint {
	if p.hint == nil {
		return HintUnknown
	}
	if h := p.hint(pointer); h != "" {
		return h
	}
	return HintUnknown
}

func (p *Parser) endCall() []Event {
	events := p.closeArg()
	p.state = stateOutside
	if p.callAborted {
		p.resetCall()
		return events
	}
	events = append(events, Event{
		Kind:         KindGadgetCallEnd,
		GadgetName:   p.callName,
		InvocationID: p.callID,
		Dependencies: p.callDeps,
		Parameters:   p.callParams,
	})
	p.resetCall()
	return events
}

// abortCurrentCall marks the in-progress call as failed, emits a
// structural error event tied to its invocation id, and discards any
// partially built parameters. Surrounding text accumulated before the
// call began remains preserved (it was already flushed in beginCall).
func (p *Parser) abortCurrentCall(err error) []Event {
	p.argOpen = false
	p.callAborted = true
	return []Event{{Kind: KindError, InvocationID: p.callID, GadgetName: p.callName, Err: err}}
}

func (p *Parser) resetCall() {
	p.callName = ""
	p.callID = ""
	p.callDeps = nil
	p.callParams = nil
	p.callSeenPtr = nil
	p.callAborted = false
	p.argOpen = false
	p.argPointer = ""
	p.argLines = nil
}
