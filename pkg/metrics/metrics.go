// Package metrics exposes Prometheus collectors for hub activity. Metrics
// are nil-safe: a nil *Metrics records nothing, so the hub core never
// checks whether collection is enabled.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seawolf-auv/swhub/internal/logger"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	clientsActive         prometheus.Gauge
	clientsAccepted       prometheus.Counter
	clientsRejected       prometheus.Counter
	clientsKicked         *prometheus.CounterVec
	notificationsIn       prometheus.Counter
	notificationsOut      prometheus.Counter
	variableSets          prometheus.Counter
	watchUpdates          prometheus.Counter
	databaseFlushFailures prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		registry: reg,
		clientsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "swhub_clients_active",
			Help: "Number of currently connected client sessions",
		}),
		clientsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_clients_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		clientsRejected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_clients_rejected_total",
			Help: "Total number of connections rejected at the client cap",
		}),
		clientsKicked: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "swhub_clients_kicked_total",
			Help: "Total number of kicked clients by reason",
		}, []string{"reason"}),
		notificationsIn: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_notifications_received_total",
			Help: "Total number of NOTIFY.OUT frames received",
		}),
		notificationsOut: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_notifications_delivered_total",
			Help: "Total number of NOTIFY.IN frames delivered to clients",
		}),
		variableSets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_variable_sets_total",
			Help: "Total number of successful VAR.SET operations",
		}),
		watchUpdates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_watch_updates_total",
			Help: "Total number of WATCH update frames sent to subscribers",
		}),
		databaseFlushFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "swhub_database_flush_failures_total",
			Help: "Total number of failed variable database flushes",
		}),
	}
}

// ClientAccepted records a new session.
func (m *Metrics) ClientAccepted() {
	if m == nil {
		return
	}
	m.clientsAccepted.Inc()
	m.clientsActive.Inc()
}

// ClientClosed records a reaped session.
func (m *Metrics) ClientClosed() {
	if m == nil {
		return
	}
	m.clientsActive.Dec()
}

// ClientRejected records a connection refused at the client cap.
func (m *Metrics) ClientRejected() {
	if m == nil {
		return
	}
	m.clientsRejected.Inc()
}

// ClientKicked records a kick with its reason label.
func (m *Metrics) ClientKicked(reason string) {
	if m == nil {
		return
	}
	m.clientsKicked.WithLabelValues(reason).Inc()
}

// NotificationReceived records one NOTIFY.OUT frame.
func (m *Metrics) NotificationReceived() {
	if m == nil {
		return
	}
	m.notificationsIn.Inc()
}

// NotificationDelivered records n NOTIFY.IN deliveries.
func (m *Metrics) NotificationDelivered(n int) {
	if m == nil {
		return
	}
	m.notificationsOut.Add(float64(n))
}

// VariableSet records one successful SET.
func (m *Metrics) VariableSet() {
	if m == nil {
		return
	}
	m.variableSets.Inc()
}

// WatchUpdate records n WATCH fan-out frames.
func (m *Metrics) WatchUpdate(n int) {
	if m == nil {
		return
	}
	m.watchUpdates.Add(float64(n))
}

// DatabaseFlushFailed records a dropped database flush.
func (m *Metrics) DatabaseFlushFailed() {
	if m == nil {
		return
	}
	m.databaseFlushFailures.Inc()
}

// Serve runs an HTTP listener exposing /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, port int) error {
	if m == nil || port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
