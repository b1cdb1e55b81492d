// metrics.go -- Prometheus counters for the gateway.
package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's counters. A nil *Metrics records nothing.
type Metrics struct {
	handshakes      *prometheus.CounterVec
	verifications   *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	securityTokens  *prometheus.CounterVec
	pushed          prometheus.Counter
	duplicatePushes prometheus.Counter
	delivered       prometheus.Counter
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "handshakes_total",
			Help:      "Channel handshakes by outcome.",
		}, []string{"result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "token_verifications_total",
			Help:      "Access token verifications by outcome.",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limit, by route.",
		}, []string{"route"}),
		securityTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "security_tokens_issued_total",
			Help:      "Security tokens issued, by type.",
		}, []string{"type"}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "notifications_pushed_total",
			Help:      "Notifications appended to a recipient log.",
		}),
		duplicatePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "notifications_duplicate_total",
			Help:      "Pushes dropped because the idempotency key was seen before.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boxgate",
			Name:      "notifications_delivered_total",
			Help:      "Notifications returned by polls.",
		}),
	}
	reg.MustRegister(m.handshakes, m.verifications, m.rateLimited, m.securityTokens,
		m.pushed, m.duplicatePushes, m.delivered)
	return m
}

func (m *Metrics) handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) verification(result string) {
	if m != nil {
		m.verifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) limited(route string) {
	if m != nil {
		m.rateLimited.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) securityToken(typ string) {
	if m != nil {
		m.securityTokens.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) push(duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.duplicatePushes.Inc()
		return
	}
	m.pushed.Inc()
}

func (m *Metrics) deliver(n int) {
	if m != nil && n > 0 {
		m.delivered.Add(float64(n))
	}
}
