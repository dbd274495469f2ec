// Package models defines the wire-level data shapes shared between the
// gadget runtime core and its embedders: messages, content parts, and
// attachments. Gadget-specific types (parsed calls, execution results,
// stored outputs) live in internal/agent since they are never part of the
// public wire format an embedder persists.
package models

import "time"

// Role discriminates a Message's author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind discriminates a ContentPart.
type ContentKind string

const (
	ContentText        ContentKind = "text"
	ContentImage       ContentKind = "image"
	ContentAudio       ContentKind = "audio"
	ContentGadgetResult ContentKind = "gadget_result"
)

// ContentPart is one element of a Message's content when the content is
// not a single plain string. Exactly one of Text/Attachment/GadgetResult is
// meaningful for a given Kind.
type ContentPart struct {
	Kind     ContentKind    `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Media    *Attachment    `json:"media,omitempty"`
	GadgetID string         `json:"gadget_id,omitempty"`

	// Parameters carries the original invocation parameters for a
	// ContentGadgetResult part, so the gadget-result message preserves the
	// raw call arguments alongside the result (spec.md §4.4).
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Attachment is an out-of-band binary reference (image, audio) carried
// alongside a Message or a gadget execution result.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, file
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Message is a single turn element: role plus either plain text content or
// an ordered list of content parts. Assistant messages carry the raw model
// output verbatim, sentinel blocks included, so the message round-trips
// across iterations and compaction (spec.md I3).
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content,omitempty"`
	Parts     []ContentPart  `json:"parts,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Metadata carries compaction/trace bookkeeping (e.g. summary
	// markers) that isn't part of the wire content itself.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text returns the message's flat text content, preferring Content when
// set and otherwise concatenating any text parts.
func (m *Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}
