package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	// Acceptance metrics
	recipientsAcceptedTotal *prometheus.CounterVec
	recipientsRejectedTotal *prometheus.CounterVec
	messagesSizeBytes       prometheus.Histogram

	// Forwarding metrics
	forwardsTotal       *prometheus.CounterVec
	routeLookupsTotal   *prometheus.CounterVec
	dkimSignaturesTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carrier_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carrier_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carrier_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		recipientsAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carrier_recipients_accepted_total",
			Help: "Total number of recipients accepted at RCPT.",
		}, []string{"path"}),
		recipientsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carrier_recipients_rejected_total",
			Help: "Total number of recipients rejected at RCPT.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carrier_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		forwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carrier_forwards_total",
			Help: "Total number of forwarding attempts by path and result.",
		}, []string{"path", "result"}),
		routeLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carrier_route_lookups_total",
			Help: "Total number of destination route lookups.",
		}, []string{"result"}),
		dkimSignaturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carrier_dkim_signatures_total",
			Help: "Total number of DKIM signing attempts.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.recipientsAcceptedTotal,
		c.recipientsRejectedTotal,
		c.messagesSizeBytes,
		c.forwardsTotal,
		c.routeLookupsTotal,
		c.dkimSignaturesTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// RecipientAccepted increments the accepted recipients counter.
func (c *PrometheusCollector) RecipientAccepted(path string) {
	c.recipientsAcceptedTotal.WithLabelValues(path).Inc()
}

// RecipientRejected increments the rejected recipients counter.
func (c *PrometheusCollector) RecipientRejected(reason string) {
	c.recipientsRejectedTotal.WithLabelValues(reason).Inc()
}

// MessageReceived observes the message size.
func (c *PrometheusCollector) MessageReceived(sizeBytes int64) {
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// ForwardCompleted increments the forwarding counter.
func (c *PrometheusCollector) ForwardCompleted(path string, result string) {
	c.forwardsTotal.WithLabelValues(path, result).Inc()
}

// RouteResolved increments the route lookup counter.
func (c *PrometheusCollector) RouteResolved(result string) {
	c.routeLookupsTotal.WithLabelValues(result).Inc()
}

// MessageSigned increments the DKIM signing counter.
func (c *PrometheusCollector) MessageSigned(result string) {
	c.dkimSignaturesTotal.WithLabelValues(result).Inc()
}
