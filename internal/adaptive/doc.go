// Package adaptive closes the feedback loop between batch scores and the
// next batch's generation mode.
//
// Store keeps the last 20 uniqueness scores in a small JSON file. Controller
// reads the rolling mean of the newest five and picks boost, neutral or
// relax. The mode is read when a render slot is granted, so a batch's own
// score only ever affects the batches after it.
package adaptive
