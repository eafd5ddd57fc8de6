/*
Package filesystem wraps the directory operations used around renders with
retry logic for stale NFS file handles.

The render layer snapshots the output directory before and after each
transcoder run and diffs the two listings to find new copies. Output and
checks directories are often network mounts, so a listing can fail with
ESTALE while the server revalidates the handle. ReadDirWithRetry and
StatWithRetry retry only that error, with capped exponential backoff; every
other error is returned immediately.

Operations are labelled with the volume they touch ("output", "checks",
"database") through a Volumes resolver, and reported to an Observer that the
metrics package installs at startup. With no observer installed nothing is
recorded, which keeps tests free of Prometheus state.

	outputs, err := filesystem.ListOutputs(cfg.OutputDir, ".mp4", filesystem.DefaultRetryConfig())
*/
package filesystem
