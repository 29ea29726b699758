package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path"`
}

// Metrics holds the agent's Prometheus collectors. A nil *Metrics is a
// valid no-op receiver so components never have to nil-check call sites.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	// Router metrics
	routerConnections prometheus.Gauge
	messagesForwarded *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	connectionsShed   prometheus.Counter

	// Engine metrics
	cyclesTotal       prometheus.Counter
	stepsCompleted    *prometheus.CounterVec
	stepRollbacks     prometheus.Counter
	decisionTimeouts  *prometheus.CounterVec
	invitesAnswered   *prometheus.CounterVec
	objectsDownloaded prometheus.Counter
	objectCacheHits   prometheus.Counter

	// Log shipper metrics
	logsBuffered prometheus.Counter
	logsShipped  prometheus.Counter
}

const namespace = "fleetsim"

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		routerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_connections",
			Help:      "Number of live control-socket connections",
		}),
		messagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_messages_forwarded_total",
			Help:      "Messages forwarded to a subsystem",
		}, []string{"to"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_messages_dropped_total",
			Help:      "Messages dropped because the target had no live connection",
		}, []string{"to"}),
		connectionsShed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_connections_shed_total",
			Help:      "Connections closed immediately because the cap was reached",
		}),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_cycles_total",
			Help:      "Background engine main-loop cycles",
		}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_steps_total",
			Help:      "Update steps finished, by terminal status",
		}, []string{"status"}),
		stepRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_rollbacks_total",
			Help:      "Attempts rolled back to the stable revision",
		}),
		decisionTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_timeouts_total",
			Help:      "Decision-channel waits that hit their timeout",
		}, []string{"channel"}),
		invitesAnswered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_answered_total",
			Help:      "Fleet invitations answered, by answer type",
		}, []string{"answer"}),
		objectsDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_downloaded_total",
			Help:      "Content objects fetched from signed URLs",
		}),
		objectCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "object_cache_hits_total",
			Help:      "Content objects already present with a matching hash",
		}),
		logsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_buffered_total",
			Help:      "Log entries written to the local buffer",
		}),
		logsShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_shipped_total",
			Help:      "Log entries uploaded to the control plane",
		}),
	}

	registry.MustRegister(
		m.routerConnections, m.messagesForwarded, m.messagesDropped,
		m.connectionsShed, m.cyclesTotal, m.stepsCompleted, m.stepRollbacks,
		m.decisionTimeouts, m.invitesAnswered, m.objectsDownloaded,
		m.objectCacheHits, m.logsBuffered, m.logsShipped,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ListenAddress returns the configured metrics listen address.
func (m *Metrics) ListenAddress() string {
	if m == nil {
		return ""
	}
	return m.config.ListenAddress
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m == nil {
		return "/metrics"
	}
	return m.config.Path
}

// RouterConnections sets the live connection gauge.
func (m *Metrics) RouterConnections(n int) {
	if m == nil {
		return
	}
	m.routerConnections.Set(float64(n))
}

// MessageForwarded counts a forwarded message.
func (m *Metrics) MessageForwarded(to string) {
	if m == nil {
		return
	}
	m.messagesForwarded.WithLabelValues(to).Inc()
}

// MessageDropped counts a dropped message.
func (m *Metrics) MessageDropped(to string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(to).Inc()
}

// ConnectionShed counts a load-shed connection.
func (m *Metrics) ConnectionShed() {
	if m == nil {
		return
	}
	m.connectionsShed.Inc()
}

// CycleCompleted counts one engine main-loop cycle.
func (m *Metrics) CycleCompleted() {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
}

// StepCompleted counts a finished update step.
func (m *Metrics) StepCompleted(status string) {
	if m == nil {
		return
	}
	m.stepsCompleted.WithLabelValues(status).Inc()
}

// StepRolledBack counts a rollback to the stable revision.
func (m *Metrics) StepRolledBack() {
	if m == nil {
		return
	}
	m.stepRollbacks.Inc()
}

// DecisionTimeout counts a decision wait that defaulted.
func (m *Metrics) DecisionTimeout(channel string) {
	if m == nil {
		return
	}
	m.decisionTimeouts.WithLabelValues(channel).Inc()
}

// InvitationAnswered counts an answered fleet invitation.
func (m *Metrics) InvitationAnswered(answer string) {
	if m == nil {
		return
	}
	m.invitesAnswered.WithLabelValues(answer).Inc()
}

// ObjectDownloaded counts a content object fetch.
func (m *Metrics) ObjectDownloaded() {
	if m == nil {
		return
	}
	m.objectsDownloaded.Inc()
}

// ObjectCacheHit counts a content object that needed no fetch.
func (m *Metrics) ObjectCacheHit() {
	if m == nil {
		return
	}
	m.objectCacheHits.Inc()
}

// LogBuffered counts a locally buffered log entry.
func (m *Metrics) LogBuffered() {
	if m == nil {
		return
	}
	m.logsBuffered.Inc()
}

// LogsShipped counts uploaded log entries.
func (m *Metrics) LogsShipped(n int) {
	if m == nil {
		return
	}
	m.logsShipped.Add(float64(n))
}
