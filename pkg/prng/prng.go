// Package prng provides a seeded byte stream for reproducible property tests,
// e.g. faker.SetCryptoSource(prng.New(seed)).
package prng

import (
	"encoding/binary"
	"io"
	"math/rand"
)

// Reader is a deterministic io.Reader backed by a math/rand RNG.
type Reader struct {
	r *rand.Rand
}

// New returns a new deterministic PRNG reader seeded by an integer.
func New(seed int64) io.Reader {
	return &Reader{r: rand.New(rand.NewSource(seed))}
}

// Read fills p with pseudorandom bytes. A trailing chunk shorter than eight
// bytes takes the low bytes of one more draw.
func (r *Reader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], r.r.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}

// Intn is a seeded convenience for choosing among fixtures.
func (r *Reader) Intn(n int) int { return r.r.Intn(n) }
