package variant

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
)

// ErrInvalidSeed is returned when a stream is built from something that is
// not a seed produced by Seed.
var ErrInvalidSeed = errors.New("variant: seed must be 32 hex characters")

// Seed returns the stable seed for a copy: md5 of "basename:index:salt".
func Seed(sourceName string, copyIndex int, salt string) string {
	sum := seedDigest(sourceName, copyIndex, salt)
	return hex.EncodeToString(sum[:])
}

func seedDigest(sourceName string, copyIndex int, salt string) [md5.Size]byte {
	token := fmt.Sprintf("%s:%d:%s", filepath.Base(sourceName), copyIndex, salt)
	return md5.Sum([]byte(token))
}

// Stream is the single random stream all fields of one variant are drawn
// from. It can only be built from a seed.
type Stream struct {
	rng *rand.Rand
}

// NewStream builds a stream from a seed returned by Seed.
func NewStream(seed string) (*Stream, error) {
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) != md5.Size {
		return nil, ErrInvalidSeed
	}
	return streamFrom([md5.Size]byte(raw)), nil
}

func streamFrom(digest [md5.Size]byte) *Stream {
	hi := binary.BigEndian.Uint64(digest[:8])
	lo := binary.BigEndian.Uint64(digest[8:])
	return &Stream{rng: rand.New(rand.NewPCG(hi, lo))}
}

// Uniform draws a float in [a, b).
func (s *Stream) Uniform(a, b float64) float64 {
	return a + (b-a)*s.rng.Float64()
}

// Float draws a float in [0, 1).
func (s *Stream) Float() float64 {
	return s.rng.Float64()
}

// IntRange draws an int in [lo, hi] inclusive.
func (s *Stream) IntRange(lo, hi int) int {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + s.rng.IntN(hi-lo+1)
}

// Choice draws one element of options. It panics on an empty slice.
func Choice[T any](s *Stream, options []T) T {
	return options[s.rng.IntN(len(options))]
}

// Perm draws a permutation of [0, n).
func (s *Stream) Perm(n int) []int {
	return s.rng.Perm(n)
}

type weighted struct {
	value  string
	weight float64
}

// pick draws from a weighted pool with a single draw.
func (s *Stream) pick(pool []weighted) string {
	total := 0.0
	for _, item := range pool {
		total += item.weight
	}
	r := s.rng.Float64() * total
	for _, item := range pool {
		if r < item.weight {
			return item.value
		}
		r -= item.weight
	}
	return pool[len(pool)-1].value
}
