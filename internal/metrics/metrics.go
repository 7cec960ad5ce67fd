package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every Prometheus metric the service exports. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	ledgerOperations *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	gatewayRequests  *prometheus.CounterVec
	reconcileRuns    *prometheus.CounterVec
	reconciledItems  *prometheus.CounterVec
}

// NewCollector registers the service metrics on a fresh registry. Metric
// names are prefixed with serviceName, dashes replaced by underscores.
func NewCollector(serviceName string) *Collector {
	serviceName = strings.ReplaceAll(serviceName, "-", "_")
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    serviceName + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_ledger_operations_total",
			Help: "Ledger engine operations by outcome",
		}, []string{"operation", "status"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_webhook_events_total",
			Help: "Payment webhook deliveries by result",
		}, []string{"result"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_gateway_requests_total",
			Help: "Payment gateway API calls by operation and status",
		}, []string{"operation", "status"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_reconcile_runs_total",
			Help: "Polling reconciliation cycles",
		}, []string{"status"}),
		reconciledItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_reconciled_payments_total",
			Help: "Pending payments examined by the reconciler, by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.ledgerOperations,
		c.webhookEvents,
		c.gatewayRequests,
		c.reconcileRuns,
		c.reconciledItems,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, endpoint string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// LedgerOperation counts a ledger engine call.
func (c *Collector) LedgerOperation(operation, status string) {
	if c == nil {
		return
	}
	c.ledgerOperations.WithLabelValues(operation, status).Inc()
}

// WebhookEvent counts a webhook delivery.
func (c *Collector) WebhookEvent(result string) {
	if c == nil {
		return
	}
	c.webhookEvents.WithLabelValues(result).Inc()
}

// GatewayRequest counts a gateway API call.
func (c *Collector) GatewayRequest(operation, status string) {
	if c == nil {
		return
	}
	c.gatewayRequests.WithLabelValues(operation, status).Inc()
}

// ReconcileRun counts a reconciler cycle.
func (c *Collector) ReconcileRun(status string) {
	if c == nil {
		return
	}
	c.reconcileRuns.WithLabelValues(status).Inc()
}

// ReconciledPayment counts one payment examined by the reconciler.
func (c *Collector) ReconciledPayment(outcome string) {
	if c == nil {
		return
	}
	c.reconciledItems.WithLabelValues(outcome).Inc()
}
