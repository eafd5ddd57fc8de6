// Package uniqueness turns per-copy quality metrics into the two batch-level
// scores: the 0-100 uniqueness score that drives the adaptive controller, and
// the 0-10 trust score shown to people.
//
// Inputs come from two CSV files written by the external quality-check step:
// the QC report (checks/uniclon_report.csv) and the render manifest
// (output/manifest.csv). Missing or unreadable inputs produce ErrNoReport, never a
// default score.
package uniqueness
