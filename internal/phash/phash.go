package phash

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
)

const (
	// FrameSize is the edge of the grayscale block a frame is reduced to.
	FrameSize = 32
	// blockSize is the edge of the low-frequency block that is hashed.
	blockSize = 8
)

// cosTable[k][n] = scale(k) * cos((2n+1) k pi / 2N), the orthonormal DCT-II basis.
var cosTable = buildCosTable(FrameSize)

func buildCosTable(n int) [][]float64 {
	table := make([][]float64, n)
	factor := math.Pi / float64(2*n)
	scale0 := math.Sqrt(1 / float64(n))
	scale := math.Sqrt(2 / float64(n))
	for k := range n {
		row := make([]float64, n)
		s := scale
		if k == 0 {
			s = scale0
		}
		for i := range n {
			row[i] = s * math.Cos(float64((2*i+1)*k)*factor)
		}
		table[k] = row
	}
	return table
}

// Fingerprint hashes a FrameSize x FrameSize row-major grayscale block.
func Fingerprint(pixels []byte) (uint64, error) {
	if len(pixels) != FrameSize*FrameSize {
		return 0, fmt.Errorf("phash: frame has %d bytes, want %d", len(pixels), FrameSize*FrameSize)
	}
	coeffs := lowFrequencies(pixels)

	median := medianOf(coeffs[1:])
	var hash uint64
	for _, c := range coeffs {
		hash <<= 1
		if c > median {
			hash |= 1
		}
	}
	return hash, nil
}

// Distance is the Hamming distance between two fingerprints, in [0, 64].
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// lowFrequencies returns the top-left 8x8 DCT coefficients in row-major order.
func lowFrequencies(pixels []byte) []float64 {
	// Row pass, keeping only the columns that survive into the 8x8 block.
	rows := make([][blockSize]float64, FrameSize)
	for i := range FrameSize {
		line := pixels[i*FrameSize : (i+1)*FrameSize]
		for k := range blockSize {
			acc := 0.0
			for j, v := range line {
				acc += float64(v) * cosTable[k][j]
			}
			rows[i][k] = acc
		}
	}

	// Column pass.
	out := make([]float64, 0, blockSize*blockSize)
	for u := range blockSize {
		for v := range blockSize {
			acc := 0.0
			for i := range FrameSize {
				acc += rows[i][v] * cosTable[u][i]
			}
			out = append(out, acc)
		}
	}
	return out
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
