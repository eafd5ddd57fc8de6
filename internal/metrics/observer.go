package metrics

import "uniclon/internal/filesystem"

// filesystemObserver records filesystem activity into the Prometheus
// collectors declared in metrics.go.
type filesystemObserver struct{}

// NewFilesystemObserver returns a filesystem.Observer backed by this package.
func NewFilesystemObserver() filesystem.Observer {
	return filesystemObserver{}
}

func (filesystemObserver) ObserveOperation(volume, operation string, durationSeconds float64) {
	FilesystemOperationDuration.WithLabelValues(volume, operation).Observe(durationSeconds)
}

func (filesystemObserver) ObserveRetry(operation, volume string) {
	FilesystemRetryAttempts.WithLabelValues(operation, volume).Inc()
}

func (filesystemObserver) ObserveRetryFailure(operation, volume string) {
	FilesystemRetryFailures.WithLabelValues(operation, volume).Inc()
}
