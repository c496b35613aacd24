package bitmap_test

import (
	"testing"

	"github.com/gokvm/blockmig/bitmap"
)

func TestSetAndTest(t *testing.T) {
	t.Parallel()

	c := bitmap.New(130)

	if c.Test(5) {
		t.Fatal("expected bit 5 clear initially")
	}

	c.Set(5, true)

	if !c.Test(5) {
		t.Fatal("expected bit 5 set")
	}

	if c.Test(4) || c.Test(6) {
		t.Fatal("Set must not touch neighboring bits")
	}

	c.Set(5, false)

	if c.Test(5) {
		t.Fatal("expected bit 5 clear after unset")
	}
}

func TestSetRangeSpansWords(t *testing.T) {
	t.Parallel()

	c := bitmap.New(200)

	c.SetRange(60, 70, true)

	for i := int64(60); i <= 70; i++ {
		if !c.Test(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}

	if c.Test(59) || c.Test(71) {
		t.Fatal("SetRange must not leak past its bounds")
	}
}

func TestOutOfRangeIsFalse(t *testing.T) {
	t.Parallel()

	c := bitmap.New(10)

	if c.Test(10) || c.Test(1000) || c.Test(-1) {
		t.Fatal("out-of-range indices must report false")
	}

	// Setting an out-of-range bit must be a silent no-op, not a panic.
	c.Set(1000, true)
	c.Set(-1, true)
}

func TestCount(t *testing.T) {
	t.Parallel()

	c := bitmap.New(128)

	if c.Count() != 0 {
		t.Fatalf("expected 0 set bits, got %d", c.Count())
	}

	c.SetRange(0, 9, true)

	if c.Count() != 10 {
		t.Fatalf("expected 10 set bits, got %d", c.Count())
	}

	c.Set(5, false)

	if c.Count() != 9 {
		t.Fatalf("expected 9 set bits after clearing one, got %d", c.Count())
	}
}

func TestSectorConversion(t *testing.T) {
	t.Parallel()

	const sectorsPerChunk = 8

	c := bitmap.NewForSectors(100, sectorsPerChunk) // 13 chunks

	c.SetSectors(10, 3, sectorsPerChunk, true) // sectors 10..12, chunk 1

	if !c.TestSector(8, sectorsPerChunk) || !c.TestSector(15, sectorsPerChunk) {
		t.Fatal("expected chunk 1 (sectors 8-15) to be set")
	}

	if c.TestSector(0, sectorsPerChunk) || c.TestSector(16, sectorsPerChunk) {
		t.Fatal("expected neighboring chunks to be clear")
	}
}

func TestSectorRangeSpanningChunks(t *testing.T) {
	t.Parallel()

	const sectorsPerChunk = 4

	c := bitmap.NewForSectors(40, sectorsPerChunk)

	// Range [6, 6+5) = sectors 6..10, spanning chunk 1 (4-7) and chunk 2 (8-11).
	c.SetSectors(6, 5, sectorsPerChunk, true)

	if !c.TestSector(4, sectorsPerChunk) || !c.TestSector(8, sectorsPerChunk) {
		t.Fatal("expected chunks 1 and 2 set")
	}

	if c.TestSector(0, sectorsPerChunk) || c.TestSector(12, sectorsPerChunk) {
		t.Fatal("expected chunks 0 and 3 clear")
	}
}

func TestTestSectorBeyondDeviceLength(t *testing.T) {
	t.Parallel()

	const sectorsPerChunk = 8

	c := bitmap.NewForSectors(20, sectorsPerChunk) // 3 chunks (24 sectors worth)

	if c.TestSector(1000, sectorsPerChunk) {
		t.Fatal("sector far beyond device length must report false")
	}
}
