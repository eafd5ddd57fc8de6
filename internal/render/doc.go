// Package render invokes the external transcode script and reads back what
// it did.
//
// The script is called as
//
//	<script> <input> <copies> [--profile <name>] --quality <std|high> [--no-device-info] [--music-variant]
//
// with OUTPUT_DIR, PREVIEW_DIR and the per-copy variables in its
// environment. Stdout and stderr are merged and scanned line by line for the
// marker lines the script prints (✅ done, ❌, ▶️ progress, Saved as, DEBUG
// copy=). The exit code is returned unchanged. Classifying it is the
// recovery package's job.
//
// Runs are serialized against the output directory so that the before/after
// listing diff only sees files written by this run.
package render
