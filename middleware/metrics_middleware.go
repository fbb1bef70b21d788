package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tunnel-rpc/message"
)

// Metrics holds the collectors recorded by MetricsMiddleware.
type Metrics struct {
	Requests *prometheus.CounterVec   // labels: method, outcome
	Duration *prometheus.HistogramVec // labels: method
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// already registered under the same names are reused, so several servers in
// one process can share a registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel_rpc",
			Name:      "requests_total",
			Help:      "RPC calls handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tunnel_rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg == nil {
		return m, nil
	}

	if err := reg.Register(m.Requests); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.Requests = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.Duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.Duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

// MetricsMiddleware records a request count and latency per call.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			m.Duration.WithLabelValues(req.ServiceMethod).Observe(time.Since(start).Seconds())
			m.Requests.WithLabelValues(req.ServiceMethod, outcome(resp)).Inc()
			return resp
		}
	}
}
