// Package phash computes 64-bit DCT perceptual hashes of single video frames
// and compares them by Hamming distance.
//
// A frame is reduced to a 32x32 grayscale block, transformed with a 2-D
// DCT-II, and the top-left 8x8 coefficients are compared against the median
// of the 63 AC coefficients. Coefficients are scanned row-major and shifted
// in most-significant-bit first, so the DC term lands in bit 63. Stored
// reference hashes depend on this exact layout.
package phash
