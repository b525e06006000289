// Package metrics turns loop events from the bus into Prometheus
// metrics served at /metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/mailbox"
)

const namespace = "nakari"

// Collector counts what the agent does by watching the event bus.
type Collector struct {
	registry *prometheus.Registry

	llmRequests    prometheus.Counter
	tokens         *prometheus.CounterVec
	llmLatency     prometheus.Histogram
	loopErrors     prometheus.Counter
	nudges         prometheus.Counter
	compressions   *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	budgetRefusals *prometheus.CounterVec
	eventsQueued   prometheus.Counter
	eventsDone     prometheus.Counter
	eventToolCalls prometheus.Histogram
	timersFired    prometheus.Counter
	replies        *prometheus.CounterVec
	serviceUp      *prometheus.GaugeVec
}

// New creates a Collector with its own registry. The mailbox gauges
// are read at scrape time and are omitted when mb is nil.
func New(mb *mailbox.Mailbox) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		llmRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "LLM responses received by the loop.",
		}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed, by direction.",
		}, []string{"direction"}),
		llmLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Time from request to LLM response.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		loopErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "errors_total",
			Help:      "Recovered loop iteration failures.",
		}),
		nudges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "nudges_total",
			Help:      "Turns answered without tool calls.",
		}),
		compressions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "compressions_total",
			Help:      "Transcript compressions, by mode.",
		}, []string{"mode"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool executions, by tool and outcome.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		budgetRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "budget_refusals_total",
			Help:      "Tool calls refused because the event budget was spent.",
		}, []string{"tool"}),
		eventsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "events_queued_total",
			Help:      "Events put into the mailbox.",
		}),
		eventsDone: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "events_completed_total",
			Help:      "Events completed and archived.",
		}),
		eventToolCalls: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "event_tool_calls",
			Help:      "Tool calls charged to each completed event.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),
		timersFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timer",
			Name:      "fired_total",
			Help:      "Timers that produced an event.",
		}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "replies_total",
			Help:      "Replies sent to the user, by whether speech was requested.",
		}, []string{"speak"}),
		serviceUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "service_up",
			Help:      "1 when a watched service is reachable.",
		}, []string{"service"}),
	}

	if mb != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "pending_events",
			Help:      "Events waiting to be picked.",
		}, func() float64 { return float64(mb.PendingCount()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "queued_events",
			Help:      "Events in the mailbox in any live status.",
		}, func() float64 { return float64(mb.Len()) })
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry for callers that want to add
// their own collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Run observes bus events until ctx is cancelled. A nil bus returns
// immediately.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) error {
	if bus == nil {
		return nil
	}
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe records a single event.
func (c *Collector) Observe(e events.Event) {
	switch e.Kind {
	case events.KindResponse:
		c.llmRequests.Inc()
		c.tokens.WithLabelValues("input").Add(float64(intField(e.Data, "tokens_in")))
		c.tokens.WithLabelValues("output").Add(float64(intField(e.Data, "tokens_out")))
		if ms, ok := e.Data["elapsed_ms"].(int64); ok {
			c.llmLatency.Observe(float64(ms) / 1000)
		}
	case events.KindLoopError:
		c.loopErrors.Inc()
	case events.KindNudge:
		c.nudges.Inc()
	case events.KindCompressed:
		mode, _ := e.Data["mode"].(string)
		if mode == "" {
			mode = "unknown"
		}
		c.compressions.WithLabelValues(mode).Inc()
	case events.KindToolDone:
		tool, _ := e.Data["tool"].(string)
		status := "ok"
		if ok, _ := e.Data["ok"].(bool); !ok {
			status = "error"
		}
		c.toolCalls.WithLabelValues(tool, status).Inc()
		if ms, ok := e.Data["duration_ms"].(int64); ok {
			c.toolDuration.WithLabelValues(tool).Observe(float64(ms) / 1000)
		}
	case events.KindBudgetExceeded:
		tool, _ := e.Data["tool"].(string)
		c.budgetRefusals.WithLabelValues(tool).Inc()
	case events.KindEventQueued:
		c.eventsQueued.Inc()
	case events.KindEventDone:
		c.eventsDone.Inc()
		c.eventToolCalls.Observe(float64(intField(e.Data, "tool_calls")))
	case events.KindTimerFired:
		c.timersFired.Inc()
	case events.KindReply:
		speak := "false"
		if s, _ := e.Data["speak"].(bool); s {
			speak = "true"
		}
		c.replies.WithLabelValues(speak).Inc()
	case events.KindServiceReady:
		if svc, _ := e.Data["service"].(string); svc != "" {
			c.serviceUp.WithLabelValues(svc).Set(1)
		}
	case events.KindServiceDown:
		if svc, _ := e.Data["service"].(string); svc != "" {
			c.serviceUp.WithLabelValues(svc).Set(0)
		}
	}
}

// intField reads an integer the emitter stored as int or int64.
func intField(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
