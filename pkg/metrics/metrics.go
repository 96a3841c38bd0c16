package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Threat metrics
	ThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_threats_total",
			Help: "Total number of threats registered by type and severity",
		},
		[]string{"type", "severity"},
	)

	ActiveThreats = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "governor_active_threats",
			Help: "Number of currently active (unresolved) threats",
		},
		[]string{"severity"},
	)

	// Security level metrics
	SecurityLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_security_level",
			Help: "Current security level (1=Normal .. 5=Lockdown)",
		},
	)

	LevelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_level_transitions_total",
			Help: "Total number of security level transitions",
		},
		[]string{"direction", "mode"}, // up/down, auto/manual
	)

	// Response metrics
	ResponsesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_responses_executed_total",
			Help: "Total number of response actions executed",
		},
		[]string{"action", "status"}, // success, error, queued, skipped
	)

	// Authentication metrics
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"}, // success, failure, locked_out
	)

	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_lockouts_total",
			Help: "Total number of principal lockouts",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_active_sessions",
			Help: "Number of currently active sessions",
		},
	)

	// Derived health
	SecurityScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_security_score",
			Help: "Derived security health score (0-100)",
		},
	)

	EventLogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "governor_event_log_size",
			Help: "Number of entries currently in the security event log",
		},
	)

	// Scan loop metrics
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "governor_scan_duration_seconds",
			Help:    "Duration of scan-evaluate-respond cycles",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScansSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "governor_scans_skipped_total",
			Help: "Scan ticks skipped because a cycle was still in flight",
		},
	)

	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_detector_errors_total",
			Help: "Total number of detector failures (recovered)",
		},
		[]string{"detector"},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_notifications_total",
			Help: "Total number of notification deliveries",
		},
		[]string{"channel", "status"},
	)

	// HTTP API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint", "method"},
	)
)
