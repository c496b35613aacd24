package blockdev

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/gokvm/blockmig/bitmap"
)

// FileDevice is a real-file-backed Device, mmap'd via golang.org/x/sys/unix
// (the same package the donor uses for its tap-interface ioctls). Unlike
// MemDevice, IsAllocated reflects the file's actual sparse layout via
// SEEK_DATA/SEEK_HOLE, so shared-base bulk-phase skipping (spec §4.3) has
// something real to exercise.
type FileDevice struct {
	name         string
	f            *os.File
	buf          []byte
	readOnly     bool
	chunkSectors int64
	dirty        *bitmap.Chunk
	dirtyEnabled atomic.Bool
	inUse        atomic.Bool
	refs         atomic.Int32
	nextHandle   atomic.Int64
	completions  chan ReadCompletion
	mu           sync.Mutex
	wg           sync.WaitGroup
}

// OpenFileDevice mmaps path (which must already exist at its full
// intended size) read-write, or read-only if readOnly is set.
func OpenFileDevice(name, path string, readOnly bool, chunkSectors int64) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	totalSectors := st.Size() / SectorSize

	return &FileDevice{
		name:         name,
		f:            f,
		buf:          buf,
		readOnly:     readOnly,
		chunkSectors: chunkSectors,
		dirty:        bitmap.NewForSectors(totalSectors, chunkSectors),
		completions:  make(chan ReadCompletion, 64),
	}, nil
}

// Close unmaps the file and closes its descriptor.
func (d *FileDevice) Close() error {
	if err := unix.Munmap(d.buf); err != nil {
		return err
	}

	return d.f.Close()
}

func (d *FileDevice) Name() string   { return d.name }
func (d *FileDevice) Length() int64  { return int64(len(d.buf)) }
func (d *FileDevice) ReadOnly() bool { return d.readOnly }

// IsAllocated reports the sparse layout of the backing file by asking
// the filesystem directly, via lseek(SEEK_DATA)/lseek(SEEK_HOLE).
func (d *FileDevice) IsAllocated(sector, maxSearch int64) (bool, int64) {
	off := sector * SectorSize
	limit := off + maxSearch*SectorSize

	if limit > int64(len(d.buf)) {
		limit = int64(len(d.buf))
	}

	dataOff, err := unix.Seek(int(d.f.Fd()), off, unix.SEEK_DATA)
	if err != nil || dataOff > off {
		// off lies in a hole, which runs up to the next data (dataOff),
		// or to limit when SEEK_DATA finds no more data. If SEEK_HOLE
		// fails as well, the probed span is reported allocated.
		holeOff, herr := unix.Seek(int(d.f.Fd()), off, unix.SEEK_HOLE)
		if herr != nil {
			return true, (limit - off) / SectorSize
		}

		if holeOff <= off {
			holeOff = limit
		}

		if err == nil && dataOff < holeOff {
			holeOff = dataOff
		}

		if holeOff > limit {
			holeOff = limit
		}

		return false, (holeOff - off) / SectorSize
	}

	// off is itself allocated; find where the data run ends.
	holeOff, err := unix.Seek(int(d.f.Fd()), off, unix.SEEK_HOLE)
	if err != nil || holeOff > limit {
		holeOff = limit
	}

	return true, (holeOff - off) / SectorSize
}

func (d *FileDevice) ReadAt(sector, n int64, buf []byte) error {
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

func (d *FileDevice) WriteAt(sector, n int64, buf []byte) error {
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

func (d *FileDevice) AsyncReadAt(sector, n int64, buf []byte) int64 {
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
// finished its I/O.
func (d *FileDevice) Drain() { d.wg.Wait() }

func (d *FileDevice) Completions() <-chan ReadCompletion { return d.completions }

func (d *FileDevice) SetDirtyTracking(enable bool) { d.dirtyEnabled.Store(enable) }

func (d *FileDevice) GetDirty(sector int64) bool {
	return d.dirty.TestSector(sector, d.chunkSectors)
}

func (d *FileDevice) ResetDirty(sector, n int64) {
	d.dirty.SetSectors(sector, n, d.chunkSectors, false)
}

func (d *FileDevice) DirtyCount() int64 { return d.dirty.Count() }
