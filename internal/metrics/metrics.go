// Package metrics exposes the lobby's Prometheus instrumentation behind
// a collector with its own registry, so tests and reloads never trip
// duplicate-registration panics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bnetd/bnetd/internal/db"
)

// Collector holds all Prometheus metrics for the lobby server.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	packetsIn      *prometheus.CounterVec
	packetsOut     *prometheus.CounterVec
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
	authTotal      *prometheus.CounterVec
	protocolErrors prometheus.Counter
	pingTimeouts   prometheus.Counter

	dbQueryDuration *prometheus.HistogramVec
	poolIdle        prometheus.Gauge
	poolInFlight    prometheus.Gauge
	poolWaiting     prometheus.Gauge
	poolReconnects  prometheus.Gauge

	dbHealthy           prometheus.Gauge
	healthProbeDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnetd_sessions_active",
			Help: "Number of live sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnetd_sessions_total",
			Help: "Total accepted sessions",
		}),
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bnetd_packets_received_total",
			Help: "Packets received by opcode",
		}, []string{"opcode"}),
		packetsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bnetd_packets_sent_total",
			Help: "Packets sent by opcode",
		}, []string{"opcode"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnetd_bytes_received_total",
			Help: "Bytes read from clients",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnetd_bytes_sent_total",
			Help: "Bytes written to clients",
		}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bnetd_auth_total",
			Help: "Logon proof outcomes",
		}, []string{"result"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnetd_protocol_errors_total",
			Help: "Sessions closed for protocol violations",
		}),
		pingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bnetd_ping_timeouts_total",
			Help: "Sessions closed for idling past the ping deadline",
		}),
		dbQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bnetd_db_query_duration_seconds",
			Help:    "Prepared statement execution time",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"statement"}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnetd_db_pool_idle",
			Help: "Idle connections in the DB pool",
		}),
		poolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnetd_db_pool_in_flight",
			Help: "Connections currently lent to callers",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnetd_db_pool_waiting",
			Help: "Callers blocked waiting for a connection",
		}),
		poolReconnects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnetd_db_pool_reconnects_total",
			Help: "Broken connections replaced since start",
		}),
		dbHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bnetd_db_healthy",
			Help: "Database health (1=healthy, 0=unhealthy)",
		}),
		healthProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bnetd_health_probe_duration_seconds",
			Help:    "Duration of DB health probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.packetsIn,
		c.packetsOut,
		c.bytesIn,
		c.bytesOut,
		c.authTotal,
		c.protocolErrors,
		c.pingTimeouts,
		c.dbQueryDuration,
		c.poolIdle,
		c.poolInFlight,
		c.poolWaiting,
		c.poolReconnects,
		c.dbHealthy,
		c.healthProbeDuration,
	)
	return c
}

// SessionOpened records a new accepted session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

// SessionClosed records a session leaving the registry.
func (c *Collector) SessionClosed() {
	c.sessionsActive.Dec()
}

// PacketReceived counts one inbound packet by opcode name.
func (c *Collector) PacketReceived(opcode string) {
	c.packetsIn.WithLabelValues(opcode).Inc()
}

// PacketSent counts one outbound packet by opcode name.
func (c *Collector) PacketSent(opcode string) {
	c.packetsOut.WithLabelValues(opcode).Inc()
}

// AddBytesIn adds to the inbound byte counter.
func (c *Collector) AddBytesIn(n int) {
	c.bytesIn.Add(float64(n))
}

// AddBytesOut adds to the outbound byte counter.
func (c *Collector) AddBytesOut(n int) {
	c.bytesOut.Add(float64(n))
}

// AuthResult counts one logon proof outcome ("success" or "fail").
func (c *Collector) AuthResult(result string) {
	c.authTotal.WithLabelValues(result).Inc()
}

// ProtocolError counts a session closed for a protocol violation.
func (c *Collector) ProtocolError() {
	c.protocolErrors.Inc()
}

// Timeout counts a session closed by the ping deadline.
func (c *Collector) Timeout() {
	c.pingTimeouts.Inc()
}

// ObserveQuery records one prepared statement execution.
func (c *Collector) ObserveQuery(statement string, d time.Duration) {
	c.dbQueryDuration.WithLabelValues(statement).Observe(d.Seconds())
}

// UpdatePoolStats publishes a DB pool snapshot.
func (c *Collector) UpdatePoolStats(s db.Stats) {
	c.poolIdle.Set(float64(s.Idle))
	c.poolInFlight.Set(float64(s.InFlight))
	c.poolWaiting.Set(float64(s.Waiting))
	c.poolReconnects.Set(float64(s.Reconnects))
}

// SetDBHealthy publishes the health checker verdict.
func (c *Collector) SetDBHealthy(healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.dbHealthy.Set(v)
}

// HealthProbe records one health probe duration and result.
func (c *Collector) HealthProbe(d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthProbeDuration.WithLabelValues(status).Observe(d.Seconds())
}
