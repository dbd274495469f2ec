// Package blockparser implements the incremental state machine that turns
// a stream of assistant tokens into structural events: plain text and
// sentinel-delimited gadget invocations. See spec.md §4.1.
//
// No teacher file implements this directly (nexus's tool calls arrive
// pre-structured from the provider SDK rather than as raw sentinel text);
// the tagged-union event shape is grounded on
// goadesign-goa-ai/runtime/agents/stream/stream.go's Event/Base pattern.
package blockparser

// Kind discriminates an Event.
type Kind string

const (
	KindText            Kind = "text"
	KindGadgetCallBegin Kind = "gadget_call_begin"
	KindGadgetArg       Kind = "gadget_arg"
	KindGadgetCallEnd   Kind = "gadget_call_end"
	KindError           Kind = "error"
)

// Event is a tagged-union structural event emitted by the Parser. Exactly
// the fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// KindText
	Text string

	// KindGadgetCallBegin
	GadgetName   string
	InvocationID string
	Dependencies []string

	// KindGadgetArg
	Pointer string
	Value   string
	// Coerced holds the value after type coercion (see coerce.go). Only
	// set for KindGadgetArg events on single-line values.
	Coerced any

	// KindGadgetCallEnd: the fully assembled parameter map for this call,
	// built by applying each ARG pointer in order (see pointer.go).
	Parameters map[string]any

	// KindError / KindGadgetCallEnd
	// InvocationID above identifies which call an error or end belongs to.
	Err error
}
