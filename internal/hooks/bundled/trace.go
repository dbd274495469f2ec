// Package bundled holds Hook Bus observers an embedder can register but the
// core never registers itself (spec.md's hook-bus Non-goals: the core
// defines the mechanism, not a fixed set of enabled observers).
package bundled

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
)

// TraceEvent is one JSONL line a Tracer writes: the call site name, a
// monotonic sequence number, a wall-clock timestamp, and the call site's
// own event payload.
type TraceEvent struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	CallSite string    `json:"call_site"`
	Data     any       `json:"data"`
}

// TraceHeader is written as the first line of a trace file, for
// versioning and replay context.
type TraceHeader struct {
	Version     int       `json:"version"`
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	AppVersion  string    `json:"app_version,omitempty"`
	Environment string    `json:"environment,omitempty"`
}

// Redactor scrubs sensitive fields from an event's Data before it's
// written. Implementations may type-switch on Data's concrete type
// (hooks.LLMCallEvent, hooks.GadgetEvent, ...) and mutate a copy.
type Redactor func(e *TraceEvent)

// TraceOption configures a Tracer.
type TraceOption func(*Tracer)

// WithRedactor installs a Redactor run on every event before it's written.
func WithRedactor(r Redactor) TraceOption {
	return func(t *Tracer) { t.redactor = r }
}

// WithAppVersion stamps the trace header with an application version.
func WithAppVersion(version string) TraceOption {
	return func(t *Tracer) { t.header.AppVersion = version }
}

// WithEnvironment stamps the trace header with an environment name.
func WithEnvironment(env string) TraceOption {
	return func(t *Tracer) { t.header.Environment = env }
}

// Tracer writes Hook Bus events to a JSONL stream for debugging and
// offline replay. Each line is flushed (and fsync'd, for a file-backed
// Tracer) immediately so a crash mid-run loses at most the in-flight
// event.
type Tracer struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	redactor Redactor
	header   *TraceHeader
	started  bool
	seq      uint64
}

// NewTracer builds a Tracer writing to w.
func NewTracer(w io.Writer, runID string, opts ...TraceOption) *Tracer {
	t := &Tracer{
		writer: w,
		header: &TraceHeader{Version: 1, RunID: runID, StartedAt: time.Now()},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewTracerFile builds a Tracer writing to a newly created (or truncated)
// file at path. Callers must call Close when done.
func NewTracerFile(path, runID string, opts ...TraceOption) (*Tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", path, err)
	}
	t := NewTracer(f, runID, opts...)
	t.file = f
	return t, nil
}

// Close closes the underlying file, if the Tracer opened one itself.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		return t.file.Close()
	}
	return nil
}

func (t *Tracer) write(callSite string, data any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.started = true
		t.writeLineLocked(t.header)
	}

	ev := &TraceEvent{
		Seq:      atomic.AddUint64(&t.seq, 1),
		Time:     time.Now(),
		CallSite: callSite,
		Data:     data,
	}
	if t.redactor != nil {
		t.redactor(ev)
	}
	t.writeLineLocked(ev)
}

func (t *Tracer) writeLineLocked(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := t.writer.Write(data); err != nil {
		return
	}
	if _, err := t.writer.Write([]byte("\n")); err != nil {
		return
	}
	if t.file != nil {
		_ = t.file.Sync()
	}
}

// Register attaches the Tracer to every Hook Bus observer call site at
// the given priority. It never returns an error from any handler, so it
// never aborts or skips the iteration/call/gadget it's observing.
func (t *Tracer) Register(bus *hooks.Bus, priority hooks.Priority) {
	bus.OnLLMCallStart(priority, "trace", func(_ context.Context, ev hooks.LLMCallEvent) error {
		t.write("llm_call_start", ev)
		return nil
	})
	bus.OnLLMCallReady(priority, "trace", func(_ context.Context, ev hooks.LLMCallEvent) error {
		t.write("llm_call_ready", ev)
		return nil
	})
	bus.OnLLMCallComplete(priority, "trace", func(_ context.Context, ev hooks.LLMCallEvent) error {
		t.write("llm_call_complete", ev)
		return nil
	})
	bus.OnLLMCallError(priority, "trace", func(_ context.Context, ev hooks.LLMCallEvent) error {
		t.write("llm_call_error", ev)
		return nil
	})
	bus.OnChunk(priority, "trace", func(_ context.Context, ev hooks.ChunkEvent) error {
		t.write("chunk", ev)
		return nil
	})
	bus.OnGadgetStart(priority, "trace", func(_ context.Context, ev hooks.GadgetEvent) error {
		t.write("gadget_start", ev)
		return nil
	})
	bus.OnGadgetComplete(priority, "trace", func(_ context.Context, ev hooks.GadgetEvent) error {
		t.write("gadget_complete", ev)
		return nil
	})
	bus.OnGadgetSkipped(priority, "trace", func(_ context.Context, ev hooks.GadgetEvent) error {
		t.write("gadget_skipped", ev)
		return nil
	})
	bus.OnCompaction(priority, "trace", func(_ context.Context, ev hooks.CompactionEvent) error {
		t.write("compaction", ev)
		return nil
	})
	bus.OnRetryAttempt(priority, "trace", func(_ context.Context, ev hooks.RetryEvent) error {
		t.write("retry_attempt", ev)
		return nil
	})
	bus.OnRateLimitThrottle(priority, "trace", func(_ context.Context, ev hooks.RetryEvent) error {
		t.write("rate_limit_throttle", ev)
		return nil
	})
}
