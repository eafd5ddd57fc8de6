// Package batch runs one render request end to end: it waits for a
// scheduler slot, renders each copy through the recovery policy, scores the
// results and feeds the score back to the adaptive controller.
package batch
