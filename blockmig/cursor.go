package blockmig

import (
	"github.com/gokvm/blockmig/bitmap"
	"github.com/gokvm/blockmig/blockdev"
	"github.com/gokvm/blockmig/wire"
)

// deviceCursor is per-device migration state (spec §3's DeviceCursor
// entity): bulk/dirty scan cursors, the completed-sectors progress
// counter, and the in-flight chunk bitmap that guards against two
// concurrent reads of the same chunk (spec §4.4, §5).
type deviceCursor struct {
	device blockdev.Device

	totalSectors int64

	bulkCursor  int64
	dirtyCursor int64

	completedSectors int64

	bulkCompleted bool
	sharedBase    bool
	sparseEnable  bool

	inFlight *bitmap.Chunk

	// pending maps an AsyncReadAt handle to the pendingRead it belongs
	// to, so a completion can be routed back without the device ever
	// knowing about the engine's own bookkeeping.
	pending map[int64]*pendingRead
}

func newDeviceCursor(d blockdev.Device, shared, sparse bool) *deviceCursor {
	total := d.Length() / blockdev.SectorSize

	return &deviceCursor{
		device:       d,
		totalSectors: total,
		sharedBase:   shared,
		sparseEnable: sparse,
		inFlight:     bitmap.NewForSectors(total, wire.SectorsPerChunk),
		pending:      make(map[int64]*pendingRead),
	}
}

// pendingRead is a completed (or still in-flight, until routed through
// onReadComplete) chunk read awaiting transmission (spec §3's
// PendingRead entity). cursor is a non-owning back-reference — cleanup
// always drains pendingReads before dropping deviceCursors (spec §9).
type pendingRead struct {
	cursor *deviceCursor

	sector      int64
	sectorCount int64
	buf         []byte
	err         error
}
