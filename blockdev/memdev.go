package blockdev

import (
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gokvm/blockmig/bitmap"
)

// MemDevice is an anonymous-memory-backed Device, the same mmap
// technique machine/memory.go uses for guest RAM slots. It exists so
// the migration engine's tests and cmd/blockmig-bench can exercise the
// full bulk/dirty pipeline without a real disk image.
type MemDevice struct {
	name            string
	buf             []byte
	readOnly        bool
	chunkSectors    int64
	dirty           *bitmap.Chunk
	dirtyEnabled    atomic.Bool
	nextHandle      atomic.Int64
	completions     chan ReadCompletion
	mu              sync.Mutex // guards buf writes against concurrent async reads
	wg              sync.WaitGroup
}

// NewMemDevice allocates a zero-filled device of size bytes, addressed
// in SectorSize sectors and dirty-tracked at chunkSectors granularity.
func NewMemDevice(name string, size int64, chunkSectors int64) (*MemDevice, error) {
	// mmap rejects a zero length, so an empty device has no mapping.
	var buf []byte

	if size > 0 {
		var err error

		buf, err = syscall.Mmap(-1, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE,
			syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
		if err != nil {
			return nil, err
		}
	}

	totalSectors := size / SectorSize

	return &MemDevice{
		name:         name,
		buf:          buf,
		chunkSectors: chunkSectors,
		dirty:        bitmap.NewForSectors(totalSectors, chunkSectors),
		completions:  make(chan ReadCompletion, 64),
	}, nil
}

// SetReadOnly marks the device read-only; callers use this to build the
// "skip read-only devices" scenario in enumeration tests.
func (d *MemDevice) SetReadOnly(ro bool) { d.readOnly = ro }

func (d *MemDevice) Name() string    { return d.name }
func (d *MemDevice) Length() int64   { return int64(len(d.buf)) }
func (d *MemDevice) ReadOnly() bool  { return d.readOnly }

func (d *MemDevice) IsAllocated(sector, maxSearch int64) (bool, int64) {
	// An anonymous memory device has no sparse concept of its own; it
	// reports everything allocated, with a run length capped at
	// maxSearch so callers exercise the same probe-and-advance loop a
	// sparse backend would require.
	total := d.Length() / SectorSize

	remaining := total - sector
	if remaining > maxSearch {
		remaining = maxSearch
	}

	if remaining < 0 {
		remaining = 0
	}

	return true, remaining
}

func (d *MemDevice) ReadAt(sector, n int64, buf []byte) error {
	off := sector * SectorSize
	length := n * SectorSize

	if int64(len(buf)) < length {
		return ErrShortBuffer
	}

	d.mu.Lock()
	copy(buf[:length], d.buf[off:off+length])
	d.mu.Unlock()

	return nil
}

func (d *MemDevice) WriteAt(sector, n int64, buf []byte) error {
	off := sector * SectorSize
	length := n * SectorSize

	if int64(len(buf)) < length {
		return ErrShortBuffer
	}

	d.mu.Lock()
	copy(d.buf[off:off+length], buf[:length])
	d.mu.Unlock()

	if d.dirtyEnabled.Load() {
		d.dirty.SetSectors(sector, n, d.chunkSectors, true)
	}

	return nil
}

func (d *MemDevice) AsyncReadAt(sector, n int64, buf []byte) int64 {
	handle := d.nextHandle.Add(1)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		err := d.ReadAt(sector, n, buf)
		d.completions <- ReadCompletion{Handle: handle, Err: err}
	}()

	return handle
}

// Drain blocks until every AsyncReadAt submitted on this device has
// finished its I/O (the completion may still be sitting unconsumed in
// the channel).
func (d *MemDevice) Drain() { d.wg.Wait() }

func (d *MemDevice) Completions() <-chan ReadCompletion { return d.completions }

func (d *MemDevice) SetDirtyTracking(enable bool) { d.dirtyEnabled.Store(enable) }

func (d *MemDevice) GetDirty(sector int64) bool {
	return d.dirty.TestSector(sector, d.chunkSectors)
}

func (d *MemDevice) ResetDirty(sector, n int64) {
	d.dirty.SetSectors(sector, n, d.chunkSectors, false)
}

func (d *MemDevice) DirtyCount() int64 { return d.dirty.Count() }

// MarkDirty is a test/demo hook simulating a guest write without going
// through WriteAt (i.e. marking dirty without mutating contents, for
// scenarios that only care about re-transfer, not content changes).
func (d *MemDevice) MarkDirty(sector, n int64) {
	if d.dirtyEnabled.Load() {
		d.dirty.SetSectors(sector, n, d.chunkSectors, true)
	}
}

// Snapshot returns a copy of the device's current contents, for test
// assertions against a receiver's applied state.
func (d *MemDevice) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, len(d.buf))
	copy(out, d.buf)

	return out
}
