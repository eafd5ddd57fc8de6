// Package logging provides the leveled logger used across the render engine.
//
// Levels, from most to least verbose:
//   - DEBUG: per-line tool output, scheduler decisions
//   - INFO: batch lifecycle, admission, scores
//   - WARN: recoverable tool failures, low uniqueness, corrupt history
//   - ERROR: fatal tool exits, ledger failures
//   - FATAL: startup errors that terminate the process
//
// The level comes from LOG_LEVEL (or DEBUG=1) and can be overridden at
// runtime with SetLevel, which the CLI uses for its -v flag.
package logging
