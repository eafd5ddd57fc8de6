// Package filterchain validates and repairs ffmpeg filter chains before they
// are handed to the transcoder.
//
// A chain is an ordered list of segments; each segment holds one or more
// filters separated by ',' or ';' and may carry [label] pads. Sanitize is
// total and idempotent: it clamps crop geometry into [MinSide, frame bounds],
// shrinks crops that exceed the preceding scale, and swaps audio filters the
// bundled ffmpeg rejects for safe equivalents. Simplify removes the heavy
// filters that most often trip the encoder on retry.
package filterchain
