package filesystem

// Observer records filesystem activity. The metrics package provides the
// implementation so that this package does not import it.
type Observer interface {
	ObserveOperation(volume, operation string, durationSeconds float64)
	ObserveRetry(operation, volume string)
	ObserveRetryFailure(operation, volume string)
}

// observer is installed once at startup; nil disables recording.
var observer Observer

// SetObserver installs the package-level observer.
func SetObserver(o Observer) {
	observer = o
}
