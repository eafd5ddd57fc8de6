// Package metrics provides Prometheus instrumentation for uniclon.
//
// All collectors are package-level promauto variables prefixed with
// "uniclon_" and grouped by subsystem:
//
//   - HTTP: request counts, latency and in-flight requests of the API.
//   - Scheduler: queue depth, held slots, queue wait, the last CPU sample
//     and how often it deferred a grant, and ticket outcomes.
//   - Render: transcoder attempts by state, recovery adjustments, per-copy
//     outcomes and duration, and batch results.
//   - Uniqueness: last uniqueness and trust scores, low-score batches,
//     missing quality reports, the adaptive mode and history size.
//   - Ledger: SQLite query counts and latency, plus ticket, copy and score
//     totals refreshed by Collector.
//   - Filesystem: output directory scans and stale-handle retries.
//
// Call InitializeMetrics once at startup so that every labelled series is
// exported from the first scrape. The collectors are exposed by promhttp on
// the metrics port.
package metrics
