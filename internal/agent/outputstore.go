package agent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// OutputStoreConfig configures the Output Store's truncation policy
// (spec.md §4.3).
type OutputStoreConfig struct {
	// LimitPercent is the share of ContextWindow*CharsPerToken a single
	// gadget result may occupy before it is truncated and stashed.
	// Default: 15.
	LimitPercent float64

	// CharsPerToken is the character-to-token ratio used for the ceiling
	// calculation.
	// Default: 4.
	CharsPerToken int

	// ContextWindow is the model's context window size in tokens, used as
	// the fallback when no per-call override is supplied.
	// Default: 128000.
	ContextWindow int
}

// DefaultOutputStoreConfig returns sensible defaults.
func DefaultOutputStoreConfig() *OutputStoreConfig {
	return &OutputStoreConfig{
		LimitPercent:  15,
		CharsPerToken: 4,
		ContextWindow: 128000,
	}
}

func sanitizeOutputStoreConfig(config *OutputStoreConfig) *OutputStoreConfig {
	if config == nil {
		return DefaultOutputStoreConfig()
	}
	cfg := *config
	defaults := DefaultOutputStoreConfig()
	if cfg.LimitPercent <= 0 {
		cfg.LimitPercent = defaults.LimitPercent
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = defaults.CharsPerToken
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = defaults.ContextWindow
	}
	return &cfg
}

// ceiling returns the effective per-result character ceiling:
// limitPercent × contextWindow × charsPerToken.
func (c *OutputStoreConfig) ceiling() int {
	return int(c.LimitPercent / 100 * float64(c.ContextWindow) * float64(c.CharsPerToken))
}

// OutputStore is a content-addressed stash for oversized gadget results
// (spec.md §4.3). Results exceeding the truncation ceiling are recorded
// here under a generated ID; the visible text handed back to the model is
// a head+tail excerpt referencing that ID so a follow-up gadget call can
// retrieve the full content.
type OutputStore struct {
	mu     sync.RWMutex
	config *OutputStoreConfig
	outputs map[string]*StoredOutput
}

// NewOutputStore builds an OutputStore with the given config (nil for
// defaults).
func NewOutputStore(config *OutputStoreConfig) *OutputStore {
	return &OutputStore{
		config:  sanitizeOutputStoreConfig(config),
		outputs: make(map[string]*StoredOutput),
	}
}

// Store records content under a fresh "<gadgetName>_<8-hex>" ID and
// returns the StoredOutput record. Exported so a gadget/embedder can stash
// content directly rather than only reaching the store indirectly via
// Truncate (spec.md §4.3's operation set).
func (s *OutputStore) Store(gadgetName, content string) (*StoredOutput, error) {
	id, err := newOutputID(gadgetName)
	if err != nil {
		return nil, err
	}
	out := &StoredOutput{
		ID:         id,
		GadgetName: gadgetName,
		Content:    content,
		ByteSize:   len(content),
		LineCount:  strings.Count(content, "\n") + 1,
		Timestamp:  time.Now(),
	}
	s.mu.Lock()
	s.outputs[id] = out
	s.mu.Unlock()
	return out, nil
}

func newOutputID(gadgetName string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("output store: generate id: %w", err)
	}
	return fmt.Sprintf("%s_%s", gadgetName, hex.EncodeToString(buf)), nil
}

// Get returns the stored output for id, if present.
func (s *OutputStore) Get(id string) (*StoredOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[id]
	return out, ok
}

// Has reports whether id is present.
func (s *OutputStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.outputs[id]
	return ok
}

// GetIDs returns every stored output ID in no particular order.
func (s *OutputStore) GetIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.outputs))
	for id := range s.outputs {
		ids = append(ids, id)
	}
	return ids
}

// Clear removes every stored output.
func (s *OutputStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = make(map[string]*StoredOutput)
}

// Size returns the number of stored outputs.
func (s *OutputStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outputs)
}

const (
	truncationHeadChars = 400
	truncationTailChars = 400
)

// Truncate applies the truncation policy to a gadget result's raw text. If
// content fits within the ceiling it is returned unchanged and stashed is
// false. Otherwise the full content is stashed in the store and a short
// head+tail excerpt carrying the stored ID and byte/line counts is
// returned instead.
func (s *OutputStore) Truncate(gadgetName, content string) (visible string, stashed bool, err error) {
	ceiling := s.config.ceiling()
	if len(content) <= ceiling {
		return content, false, nil
	}

	out, err := s.Store(gadgetName, content)
	if err != nil {
		return "", false, err
	}

	head := content
	if len(head) > truncationHeadChars {
		head = head[:truncationHeadChars]
	}
	tail := content
	if len(tail) > truncationTailChars {
		tail = tail[len(tail)-truncationTailChars:]
	}

	var b strings.Builder
	b.WriteString(head)
	fmt.Fprintf(&b, "\n... [truncated: stored as %s, %d bytes, %d lines] ...\n", out.ID, out.ByteSize, out.LineCount)
	b.WriteString(tail)
	return b.String(), true, nil
}
