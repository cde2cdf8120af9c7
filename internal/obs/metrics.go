package obs

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kasirinaja"

// HTTPMetrics groups the HTTP request collectors.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers HTTP collectors on reg (the default registerer when nil).
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &HTTPMetrics{
		ReqTotal: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"})),
		ReqDur: mustRegister(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"method", "route"})),
		InFlight: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		})),
	}
}

// IssuanceMetrics tracks invoice issuance outcomes and store transaction attempts.
type IssuanceMetrics struct {
	Issued   *prometheus.CounterVec
	Attempts *prometheus.CounterVec
	Duration prometheus.Histogram
	Carts    prometheus.Gauge
}

func NewIssuanceMetrics(reg prometheus.Registerer) *IssuanceMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &IssuanceMetrics{
		Issued: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_issuance_total",
			Help:      "Invoice issuance requests by final result code.",
		}, []string{"result"})),
		Attempts: mustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_issuance_attempts_total",
			Help:      "Store transactions started for issuance, by attempt outcome.",
		}, []string{"outcome"})),
		Duration: mustRegister(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invoice_issuance_duration_ms",
			Help:      "End to end issuance latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		})),
		Carts: mustRegister(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cart_sessions_open",
			Help:      "Cart sessions currently held in memory.",
		})),
	}
}

// ObserveIssued records the final outcome of one issuance request. Safe on nil.
func (m *IssuanceMetrics) ObserveIssued(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Issued.WithLabelValues(result).Inc()
	m.Duration.Observe(DurationMillis(d))
}

// ObserveAttempt records a single store transaction. Safe on nil.
func (m *IssuanceMetrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(outcome).Inc()
}

// SetCarts publishes the number of open cart sessions. Safe on nil.
func (m *IssuanceMetrics) SetCarts(n int) {
	if m == nil {
		return
	}
	m.Carts.Set(float64(n))
}

func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// mustRegister registers c, reusing an identical collector that is already
// registered so tests and reloads can build metrics more than once.
func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(fmt.Errorf("register collector: %w", err))
	}
	return c
}
