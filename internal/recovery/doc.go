// Package recovery drives bounded retries of a single render.
//
// Each attempt sanitizes the filter chain and runs the transcoder. Exit code
// 0 succeeds; codes 8, 22 and 234 are recoverable and trigger a crop backoff
// plus filter simplification before the next attempt; every other code is
// fatal on first sight. A separate audio path swaps in a safe equalizer when
// the tool log shows a rejected audio option. Both paths share one budget of
// MaxAttempts invocations.
package recovery
