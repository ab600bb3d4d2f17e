package application

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stockhold/internal/service/reservation/domain"
)

// Metrics 是预占引擎的 prometheus 指标。nil 的 *Metrics 可以安全调用。
type Metrics struct {
	allocations *prometheus.CounterVec
	transitions *prometheus.CounterVec
	contention  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	swept       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockhold",
			Name:      "allocations_total",
			Help:      "Reservation allocation attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockhold",
			Name:      "transitions_total",
			Help:      "Reservation lifecycle transitions by target state.",
		}, []string{"state"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockhold",
			Name:      "lock_contention_total",
			Help:      "Stock lock attempts that found the row held by another allocator.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockhold",
			Name:      "allocation_duration_seconds",
			Help:      "Allocation latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"kind"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockhold",
			Name:      "expired_swept_total",
			Help:      "Reservations whose stored state was flipped to expired by the sweeper.",
		}),
	}
	reg.MustRegister(m.allocations, m.transitions, m.contention, m.latency, m.swept)
	return m
}

func (m *Metrics) observeAllocation(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(kind, outcomeOf(err)).Inc()
	m.latency.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

func (m *Metrics) transition(state domain.State, n int) {
	if m == nil || n == 0 {
		return
	}
	m.transitions.WithLabelValues(string(state)).Add(float64(n))
}

func (m *Metrics) contended(op string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(op).Inc()
}

func (m *Metrics) sweptExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.swept.Add(float64(n))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsValidation(err):
		return "invalid"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, domain.ErrLockContended):
		return "contended"
	default:
		return "error"
	}
}
