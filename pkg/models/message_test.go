package models

import "testing"

func TestMessageText_PrefersContent(t *testing.T) {
	m := &Message{Content: "hello", Parts: []ContentPart{{Kind: ContentText, Text: "ignored"}}}
	if got := m.Text(); got != "hello" {
		t.Fatalf("Text() = %q, want %q", got, "hello")
	}
}

func TestMessageText_ConcatenatesTextParts(t *testing.T) {
	m := &Message{Parts: []ContentPart{
		{Kind: ContentText, Text: "foo"},
		{Kind: ContentGadgetResult, GadgetID: "calc_ab12cd34"},
		{Kind: ContentText, Text: "bar"},
	}}
	if got := m.Text(); got != "foobar" {
		t.Fatalf("Text() = %q, want %q", got, "foobar")
	}
}

func TestMessageText_EmptyMessage(t *testing.T) {
	m := &Message{}
	if got := m.Text(); got != "" {
		t.Fatalf("Text() = %q, want empty", got)
	}
}
