// Package metrics records pipeline metrics with Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the pipeline components report to.
type Recorder interface {
	ObserveToolCall(tool, op string, attempts int, outcome string, duration time.Duration)
	SetBreakerState(tool string, state int)
	ObserveTransition(from, to string)
	SetQueueDepth(n int)
	SetActive(n int)
	ObserveNotification(status string)
	SetSafeMode(on bool)
	ObserveDeadLetter(stage string)
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry       *prometheus.Registry
	toolCalls      *prometheus.CounterVec
	toolAttempts   *prometheus.HistogramVec
	toolDuration   *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	activeRequests prometheus.Gauge
	notifications  *prometheus.CounterVec
	safeMode       prometheus.Gauge
	deadLetters    *prometheus.CounterVec
}

// NewPrometheusRecorder registers all collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ford_tool_calls_total",
				Help: "Gateway tool calls by tool, operation and outcome",
			},
			[]string{"tool", "op", "outcome"},
		),
		toolAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ford_tool_call_attempts",
				Help:    "Attempts spent per gateway call",
				Buckets: []float64{1, 2, 3, 4},
			},
			[]string{"tool"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ford_tool_call_duration_seconds",
				Help:    "Wall time of gateway calls including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool", "op"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ford_circuit_breaker_state",
				Help: "Circuit breaker state per tool (0 closed, 1 open, 2 half-open)",
			},
			[]string{"tool"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ford_change_request_transitions_total",
				Help: "Change request state transitions",
			},
			[]string{"from", "to"},
		),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ford_queue_depth",
			Help: "Clusters waiting in the priority queue",
		}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ford_active_change_requests",
			Help: "Change requests holding a concurrency slot",
		}),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ford_notifications_total",
				Help: "Notification ledger entries by status",
			},
			[]string{"status"},
		),
		safeMode: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ford_safe_mode",
			Help: "1 while admission is stopped by safe mode",
		}),
		deadLetters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ford_dead_letters_total",
				Help: "Items parked in the dead-letter set",
			},
			[]string{"stage"},
		),
	}
}

// ObserveToolCall records one gateway call.
func (p *PrometheusRecorder) ObserveToolCall(tool, op string, attempts int, outcome string, duration time.Duration) {
	p.toolCalls.WithLabelValues(tool, op, outcome).Inc()
	p.toolAttempts.WithLabelValues(tool).Observe(float64(attempts))
	p.toolDuration.WithLabelValues(tool, op).Observe(duration.Seconds())
}

// SetBreakerState records a breaker state change.
func (p *PrometheusRecorder) SetBreakerState(tool string, state int) {
	p.breakerState.WithLabelValues(tool).Set(float64(state))
}

// ObserveTransition records a change request transition.
func (p *PrometheusRecorder) ObserveTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}

// SetQueueDepth records the queue length.
func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

// SetActive records the number of held concurrency slots.
func (p *PrometheusRecorder) SetActive(n int) {
	p.activeRequests.Set(float64(n))
}

// ObserveNotification records a ledger entry.
func (p *PrometheusRecorder) ObserveNotification(status string) {
	p.notifications.WithLabelValues(status).Inc()
}

// SetSafeMode records safe mode.
func (p *PrometheusRecorder) SetSafeMode(on bool) {
	if on {
		p.safeMode.Set(1)
		return
	}
	p.safeMode.Set(0)
}

// ObserveDeadLetter records a dead-lettered item.
func (p *PrometheusRecorder) ObserveDeadLetter(stage string) {
	p.deadLetters.WithLabelValues(stage).Inc()
}

// Registry exposes the underlying registry for tests.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveToolCall(string, string, int, string, time.Duration) {}
func (Nop) SetBreakerState(string, int)                                {}
func (Nop) ObserveTransition(string, string)                           {}
func (Nop) SetQueueDepth(int)                                          {}
func (Nop) SetActive(int)                                              {}
func (Nop) ObserveNotification(string)                                 {}
func (Nop) SetSafeMode(bool)                                           {}
func (Nop) ObserveDeadLetter(string)                                   {}
