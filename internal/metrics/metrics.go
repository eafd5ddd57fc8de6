package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uniclon_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Scheduler metrics
var (
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_scheduler_queue_depth",
			Help: "Number of render tickets waiting for a slot",
		},
	)

	SchedulerActiveSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_scheduler_active_slots",
			Help: "Number of render slots currently held",
		},
	)

	SchedulerWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uniclon_scheduler_wait_seconds",
			Help:    "Time a ticket spent queued before its slot was granted",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	SchedulerCPULoad = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_scheduler_cpu_load_percent",
			Help: "Last host CPU utilization sampled by the admission gate",
		},
	)

	SchedulerCPUDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uniclon_scheduler_cpu_deferrals_total",
			Help: "Times a grant was withheld because host CPU load was above the threshold",
		},
	)

	SchedulerTicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_scheduler_tickets_total",
			Help: "Render tickets by final outcome",
		},
		[]string{"outcome"}, // "released", "cancelled_queued", "cancelled_active", "closed"
	)
)

// Render metrics
var (
	RenderAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_render_attempts_total",
			Help: "Transcoder invocations by resulting state",
		},
		[]string{"state"}, // "succeeded", "recoverable", "fatal"
	)

	RenderRecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_render_recoveries_total",
			Help: "Recovery adjustments applied between attempts",
		},
		[]string{"kind"}, // "crop_backoff", "audio_eq"
	)

	RenderCopiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_render_copies_total",
			Help: "Rendered copies by outcome",
		},
		[]string{"status"}, // "ok", "failed", "timeout"
	)

	RenderCopyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uniclon_render_copy_duration_seconds",
			Help:    "Wall time to render one copy including retries",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300, 600},
		},
	)

	RenderBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_render_batches_total",
			Help: "Render batches by result",
		},
		[]string{"result"}, // "success", "partial", "failed"
	)
)

// Uniqueness and adaptive controller metrics
var (
	UniquenessLastScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_uniqueness_last_score",
			Help: "Uniqueness score (20-100) of the most recent batch",
		},
	)

	UniquenessTrustScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_uniqueness_trust_score",
			Help: "Trust score (0-10) of the most recent batch",
		},
	)

	UniquenessLowScoreTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uniclon_uniqueness_low_score_total",
			Help: "Batches whose copies were not diversified enough",
		},
	)

	UniquenessReportsMissing = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uniclon_uniqueness_reports_missing_total",
			Help: "Batches without a usable quality report",
		},
	)

	AdaptiveMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uniclon_adaptive_mode",
			Help: "Current adaptive generation mode (1 for the active mode)",
		},
		[]string{"mode"},
	)

	AdaptiveHistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_adaptive_history_size",
			Help: "Entries in the adaptive score history",
		},
	)
)

// Run ledger metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uniclon_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	LedgerTickets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uniclon_ledger_tickets",
			Help: "Tickets recorded in the run ledger by state",
		},
		[]string{"state"},
	)

	LedgerCopies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uniclon_ledger_copies",
			Help: "Copies recorded in the run ledger by status",
		},
		[]string{"status"},
	)

	LedgerAverageScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uniclon_ledger_average_score",
			Help: "Mean uniqueness score across recorded reports",
		},
	)
)

// Filesystem metrics
var (
	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uniclon_filesystem_operation_duration_seconds",
			Help:    "Duration of filesystem operations on render volumes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"volume", "operation"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_filesystem_retry_attempts_total",
			Help: "Filesystem operations retried after a stale handle",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uniclon_filesystem_retry_failures_total",
			Help: "Filesystem operations that still failed after retries",
		},
		[]string{"operation", "volume"},
	)
)

// Application info
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uniclon_app_info",
			Help: "Application build information",
		},
		[]string{"version", "go_version"},
	)
)
