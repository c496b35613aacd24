// Package wire implements the block-migration frame format (spec §3,
// §4.7, §4.10, §6.4): a stream of 64-bit-big-endian-headered frames
// carrying device blocks, progress, and an end-of-stream marker, plus
// the Sink/Source transport collaborators the codec is written against.
//
// The framing style — a header word, byte helpers, explicit Flush,
// sticky Err() — mirrors migration/transport.go's Sender/Receiver in
// the donor, generalized from that file's fixed [type][length][payload]
// messages to this spec's bit-packed, byte-address headers.
package wire

const (
	// SectorBits is log2 of the sector size; sectors are the block
	// device's addressing unit (spec §3).
	SectorBits = 9

	// SectorsPerChunk is the transfer and dirty-tracking granularity.
	// 2048 sectors at 512 bytes/sector is a 1 MiB chunk, the same order
	// of magnitude as QEMU's BDRV_SECTORS_PER_DIRTY_CHUNK.
	SectorsPerChunk = 2048

	// ChunkBytes is the number of bytes covered by one chunk.
	ChunkBytes = SectorsPerChunk << SectorBits

	// MaxIsAllocatedSearch bounds how many sectors IsAllocated probes
	// forward in one call (spec §4.3); ported from the reference's
	// MAX_IS_ALLOCATED_SEARCH.
	MaxIsAllocatedSearch = 65536

	// sectorMask isolates the low bits of a header word that carry
	// flags rather than a shifted sector/byte address.
	sectorMask = uint64(1)<<SectorBits - 1
)

// Flag is one or more of the low-order bits of a frame header, OR'd
// with a sector address shifted left by SectorBits (spec §3).
type Flag uint64

const (
	FlagDeviceBlock Flag = 0x01
	FlagEOS         Flag = 0x02
	FlagProgress    Flag = 0x04
	FlagZeroBlock   Flag = 0x08
)

// Has reports whether f includes bit.
func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// header packs a sector/byte address with one or more flags into the
// single 64-bit header word every frame begins with.
func header(addrOrValue int64, flags Flag) uint64 {
	return uint64(addrOrValue)<<SectorBits | uint64(flags)
}

// splitHeader recovers the flags (low SectorBits-and-below bits) and
// the shifted address/value (everything above) from a header word.
func splitHeader(word uint64) (addrOrValue int64, flags Flag) {
	flags = Flag(word & sectorMask)
	addrOrValue = int64(word >> SectorBits)

	return addrOrValue, flags
}
