// Package variant derives the per-copy encoding, placement and metadata
// parameters for one (source, copy index) pair.
//
// Every value is drawn from a single pseudo-random stream seeded by the md5
// of "basename(source):index:salt". The draw order is fixed:
//
//  1. fps
//  2. bitrate jitter (bitrate, maxrate, bufsize)
//  3. scale jitter
//  4. pad offsets
//  5. crop margins and crop offsets
//  6. color jitter
//  7. noise roll
//  8. micro-filter selection
//  9. software and encoder labels
//  10. timestamp offsets
//  11. audio tempo and pitch
//
// Reordering these draws changes every value after the moved one, so the
// order is part of the package contract. Inputs that only shape the result
// (backoff depth, intensity) never change how many values are drawn, which
// is what lets a retry shrink the crop without reshuffling everything else.
package variant
