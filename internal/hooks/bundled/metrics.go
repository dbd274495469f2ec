package bundled

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
)

// Metrics is a Hook Bus observer exposing run activity as Prometheus
// metrics: LLM call latency/outcome, gadget execution latency/outcome,
// compaction occurrences, and retry attempts. Unlike a package-level
// promauto registration, Metrics registers against the *prometheus.Registry
// passed to NewMetrics, so an embedder can run more than one AgentLoop (or
// more than one test) in the same process without a duplicate-registration
// panic.
type Metrics struct {
	llmCallDuration *prometheus.HistogramVec
	llmCallTotal    *prometheus.CounterVec
	llmTokensTotal  *prometheus.CounterVec
	llmCostUSD      prometheus.Counter

	gadgetDuration *prometheus.HistogramVec
	gadgetTotal    *prometheus.CounterVec

	compactionTotal *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec
}

// NewMetrics registers the agent-loop metric families against reg. If reg
// is nil, a fresh, unshared prometheus.Registry is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		llmCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_llm_call_duration_seconds",
			Help:    "LLM completion call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		llmCallTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_calls_total",
			Help: "LLM completion calls by outcome.",
		}, []string{"status"}),
		llmTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_tokens_total",
			Help: "Tokens consumed by direction.",
		}, []string{"direction"}),
		llmCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_llm_cost_usd_total",
			Help: "Estimated cumulative LLM spend in USD.",
		}),
		gadgetDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_gadget_duration_seconds",
			Help:    "Gadget execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"gadget", "status"}),
		gadgetTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_gadget_executions_total",
			Help: "Gadget executions by outcome.",
		}, []string{"gadget", "status"}),
		compactionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_compactions_total",
			Help: "Context compactions by strategy.",
		}, []string{"strategy"}),
		retryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_llm_retries_total",
			Help: "LLM call retry attempts.",
		}, []string{"call_site"}),
	}
}

// Register attaches Metrics to the relevant Hook Bus observer call sites.
func (m *Metrics) Register(bus *hooks.Bus, priority hooks.Priority) {
	bus.OnLLMCallComplete(priority, "metrics", func(_ context.Context, ev hooks.LLMCallEvent) error {
		status := "ok"
		if ev.Err != nil {
			status = "error"
		}
		m.llmCallTotal.WithLabelValues(status).Inc()
		m.llmTokensTotal.WithLabelValues("input").Add(float64(ev.Usage.InputTokens))
		m.llmTokensTotal.WithLabelValues("output").Add(float64(ev.Usage.OutputTokens))
		m.llmCostUSD.Add(ev.Usage.CostUSD)
		return nil
	})
	bus.OnLLMCallError(priority, "metrics", func(_ context.Context, ev hooks.LLMCallEvent) error {
		m.llmCallTotal.WithLabelValues("error").Inc()
		return nil
	})
	bus.OnGadgetComplete(priority, "metrics", func(_ context.Context, ev hooks.GadgetEvent) error {
		status := "ok"
		if ev.Err != nil {
			status = "error"
		}
		m.gadgetTotal.WithLabelValues(ev.GadgetName, status).Inc()
		m.gadgetDuration.WithLabelValues(ev.GadgetName, status).Observe(float64(ev.ElapsedMs) / 1000)
		return nil
	})
	bus.OnGadgetSkipped(priority, "metrics", func(_ context.Context, ev hooks.GadgetEvent) error {
		m.gadgetTotal.WithLabelValues(ev.GadgetName, "skipped").Inc()
		return nil
	})
	bus.OnCompaction(priority, "metrics", func(_ context.Context, ev hooks.CompactionEvent) error {
		m.compactionTotal.WithLabelValues(ev.Strategy).Inc()
		return nil
	})
	bus.OnRetryAttempt(priority, "metrics", func(_ context.Context, ev hooks.RetryEvent) error {
		m.retryTotal.WithLabelValues("llm_call").Inc()
		return nil
	})
}
