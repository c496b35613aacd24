// Package bitmap provides a packed bit array keyed by chunk index, used
// to track which transfer chunks of a block device currently have an
// async read in flight.
package bitmap

import "math/bits"

// Chunk is a packed, fixed-size bit array with one bit per chunk index.
// The zero value is not usable; construct with New.
type Chunk struct {
	words []uint64
	nbits int64
}

// New returns a Chunk sized to hold n bits, all initially clear.
func New(n int64) *Chunk {
	if n < 0 {
		n = 0
	}

	words := (n + 63) / 64

	return &Chunk{
		words: make([]uint64, words),
		nbits: n,
	}
}

// NewForSectors returns a Chunk sized to hold one bit per chunk of a
// device with totalSectors sectors, where a chunk is sectorsPerChunk
// sectors wide.
func NewForSectors(totalSectors, sectorsPerChunk int64) *Chunk {
	n := (totalSectors + sectorsPerChunk - 1) / sectorsPerChunk

	return New(n)
}

// SetSectors sets or clears every chunk touched by the half-open sector
// range [sector, sector+n), given a chunk width of sectorsPerChunk.
func (c *Chunk) SetSectors(sector, n, sectorsPerChunk int64, value bool) {
	if n <= 0 {
		return
	}

	first := sector / sectorsPerChunk
	last := (sector + n - 1) / sectorsPerChunk
	c.SetRange(first, last, value)
}

// TestSector reports whether the chunk containing sector is set, given a
// chunk width of sectorsPerChunk. It returns false if sector lies at or
// beyond the range this bitmap was sized for.
func (c *Chunk) TestSector(sector, sectorsPerChunk int64) bool {
	return c.Test(sector / sectorsPerChunk)
}

// Len returns the number of chunk bits this bitmap was sized for.
func (c *Chunk) Len() int64 {
	return c.nbits
}

// Set sets or clears the bit for idx. Out-of-range indices are ignored.
func (c *Chunk) Set(idx int64, value bool) {
	if idx < 0 || idx >= c.nbits {
		return
	}

	word, bit := idx/64, uint(idx%64)

	if value {
		c.words[word] |= 1 << bit
	} else {
		c.words[word] &^= 1 << bit
	}
}

// SetRange sets or clears every chunk bit in the inclusive chunk index
// range [first, last].
func (c *Chunk) SetRange(first, last int64, value bool) {
	for idx := first; idx <= last; idx++ {
		c.Set(idx, value)
	}
}

// Test reports whether the bit for idx is set. Out-of-range indices
// (idx beyond the bitmap's size) report false.
func (c *Chunk) Test(idx int64) bool {
	if idx < 0 || idx >= c.nbits {
		return false
	}

	word, bit := idx/64, uint(idx%64)

	return c.words[word]&(1<<bit) != 0
}

// Count returns the number of set bits.
func (c *Chunk) Count() int64 {
	n := 0

	for _, w := range c.words {
		n += bits.OnesCount64(w)
	}

	return int64(n)
}
