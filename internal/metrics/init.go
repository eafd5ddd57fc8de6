package metrics

// Adaptive modes exported by AdaptiveMode.
var adaptiveModes = []string{"boost", "neutral", "relax"}

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
func InitializeMetrics() {
	for _, outcome := range []string{"released", "cancelled_queued", "cancelled_active", "closed"} {
		SchedulerTicketsTotal.WithLabelValues(outcome)
	}

	for _, state := range []string{"succeeded", "recoverable", "fatal"} {
		RenderAttemptsTotal.WithLabelValues(state)
	}
	for _, kind := range []string{"crop_backoff", "audio_eq"} {
		RenderRecoveriesTotal.WithLabelValues(kind)
	}
	for _, status := range []string{"ok", "failed", "timeout"} {
		RenderCopiesTotal.WithLabelValues(status)
	}
	for _, result := range []string{"success", "partial", "failed"} {
		RenderBatchesTotal.WithLabelValues(result)
	}

	SetAdaptiveMode("neutral")

	for _, state := range []string{"queued", "running", "done", "failed", "cancelled"} {
		LedgerTickets.WithLabelValues(state)
	}
	for _, status := range []string{"ok", "failed", "timeout"} {
		LedgerCopies.WithLabelValues(status)
	}

	volumes := []string{"output", "checks", "database", "unknown"}
	for _, vol := range volumes {
		for _, op := range []string{"stat", "readdir"} {
			FilesystemOperationDuration.WithLabelValues(vol, op)
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
		}
		FilesystemOperationDuration.WithLabelValues(vol, "write")
	}
}

// SetAdaptiveMode marks mode as the active adaptive mode.
func SetAdaptiveMode(mode string) {
	for _, m := range adaptiveModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		AdaptiveMode.WithLabelValues(m).Set(v)
	}
}
