// Package metrics aggregates execution telemetry keyed by function and
// outcome and serves it for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "skuld"

	// OverflowFunction replaces function ids seen after the label cap is hit.
	OverflowFunction = "_other"
)

var (
	FunctionStatusLabels = []string{"function", "status"}

	// DurationBuckets span 10ms to the 300s execution ceiling.
	DurationBuckets = []float64{
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 20, 30, 45, 60,
		90, 120, 180, 240, 300,
	}
)

type Aggregator struct {
	registry *prometheus.Registry

	invocations     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	dispatched      *prometheus.CounterVec
	dispatchErrors  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	rateLimitOpen   prometheus.Counter
	evictions       prometheus.Counter
	parseFailures   prometheus.Counter
	effectsOverflow prometheus.Counter
	lateCompletions prometheus.Counter

	mu        sync.Mutex
	functions map[string]struct{}
	maxLabels int
}

// New builds an aggregator on its own registry. maxFunctions caps the number
// of distinct function label values; zero means no cap.
func New(maxFunctions int) *Aggregator {
	a := &Aggregator{
		registry:  prometheus.NewRegistry(),
		functions: make(map[string]struct{}),
		maxLabels: maxFunctions,

		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_invocations_total",
			Help:      "Completed invocations by function and outcome, including synthetic timeouts.",
		}, FunctionStatusLabels),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_duration_seconds",
			Help:      "Reported execution duration by function and outcome.",
			Buckets:   DurationBuckets,
		}, FunctionStatusLabels),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Tasks published to the queue by function and mode.",
		}, []string{"function", "mode"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Invocations rejected or failed before enqueue, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the admission limit.",
		}),
		rateLimitOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_fail_open_total",
			Help:      "Requests admitted because the counter store was unavailable.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_evictions_total",
			Help:      "Workers removed by the liveness sweep.",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_parse_failures_total",
			Help:      "Completion messages dropped because they failed to parse or validate.",
		}),
		effectsOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_effects_overflow_total",
			Help:      "Completion side effects run outside the worker pool because its queue was full.",
		}),
		lateCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_without_waiter_total",
			Help:      "Completions that arrived with no in-process waiter (async, late, or duplicate).",
		}),
	}

	a.registry.MustRegister(
		a.invocations, a.duration, a.dispatched, a.dispatchErrors,
		a.rateLimited, a.rateLimitOpen, a.evictions, a.parseFailures,
		a.effectsOverflow, a.lateCompletions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return a
}

// ObserveDuration records one execution duration.
func (a *Aggregator) ObserveDuration(functionID, status string, seconds float64) {
	a.duration.WithLabelValues(a.functionLabel(functionID), status).Observe(seconds)
}

// IncrementInvocation counts one completed invocation.
func (a *Aggregator) IncrementInvocation(functionID, status string) {
	a.invocations.WithLabelValues(a.functionLabel(functionID), status).Inc()
}

func (a *Aggregator) Dispatched(functionID string, async bool) {
	mode := "sync"
	if async {
		mode = "async"
	}
	a.dispatched.WithLabelValues(a.functionLabel(functionID), mode).Inc()
}

func (a *Aggregator) DispatchFailed(reason string) { a.dispatchErrors.WithLabelValues(reason).Inc() }
func (a *Aggregator) RateLimited()                 { a.rateLimited.Inc() }
func (a *Aggregator) RateLimitFailedOpen()         { a.rateLimitOpen.Inc() }
func (a *Aggregator) WorkerEvicted()               { a.evictions.Inc() }
func (a *Aggregator) CompletionParseFailed()       { a.parseFailures.Inc() }
func (a *Aggregator) EffectsOverflowed()           { a.effectsOverflow.Inc() }
func (a *Aggregator) CompletionWithoutWaiter()     { a.lateCompletions.Inc() }

// RegisterGauge exposes a value sampled at scrape time.
func (a *Aggregator) RegisterGauge(name, help string, fn func() float64) {
	a.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (a *Aggregator) Registry() *prometheus.Registry { return a.registry }

func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// functionLabel bounds label cardinality against untrusted function ids.
func (a *Aggregator) functionLabel(functionID string) string {
	if functionID == "" {
		return "unknown"
	}
	if a.maxLabels <= 0 {
		return functionID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.functions[functionID]; ok {
		return functionID
	}
	if len(a.functions) >= a.maxLabels {
		return OverflowFunction
	}
	a.functions[functionID] = struct{}{}
	return functionID
}
