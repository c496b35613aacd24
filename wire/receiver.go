package wire

import (
	"errors"
	"fmt"

	"github.com/gokvm/blockmig/blockdev"
)

var (
	// ErrUnknownDevice is returned when a device-block frame names a
	// device the receiver's Layer has no record of.
	ErrUnknownDevice = errors.New("wire: unknown device")

	// ErrUnknownFlags is returned for a header carrying none of
	// DEVICE_BLOCK, PROGRESS, or EOS (spec §4.10, §7).
	ErrUnknownFlags = errors.New("wire: unknown frame flags")
)

// Receiver decodes a block-migration stream and applies it to a Layer
// (spec §4.10). It keeps a single ChunkBytes scratch buffer across
// frames, re-zeroing it only when the previous frame was non-zero, so
// long zero-block runs don't re-memset on every frame.
type Receiver struct {
	layer blockdev.Layer

	scratch       []byte
	scratchIsZero bool

	lastDeviceName   string
	lastTotalSectors int64

	onProgress func(percent int)
}

// NewReceiver returns a Receiver that applies writes to devices found
// via layer.
func NewReceiver(layer blockdev.Layer) *Receiver {
	return &Receiver{
		layer:   layer,
		scratch: make([]byte, ChunkBytes),
	}
}

// OnProgress registers a callback invoked for every progress frame,
// standing in for spec §4.10's "render percent to the operator".
func (r *Receiver) OnProgress(fn func(percent int)) { r.onProgress = fn }

// Apply decodes frames from src until EOS or an error. It returns nil
// on a clean EOS.
func (r *Receiver) Apply(src Source) error {
	for {
		word, err := src.GetU64BE()
		if err != nil {
			return err
		}

		value, flags := splitHeader(word)

		switch {
		case flags.Has(FlagDeviceBlock):
			if err := r.applyDeviceBlock(src, flags, value); err != nil {
				return err
			}
		case flags.Has(FlagProgress):
			if r.onProgress != nil {
				r.onProgress(int(value))
			}
		case flags.Has(FlagEOS):
			// terminal frame, nothing further to decode for it
		default:
			return fmt.Errorf("%w: %#x", ErrUnknownFlags, flags)
		}

		if err := src.Err(); err != nil {
			return err
		}

		if flags.Has(FlagEOS) {
			return nil
		}
	}
}

func (r *Receiver) applyDeviceBlock(src Source, flags Flag, sector int64) error {
	nameLen, err := src.GetU8()
	if err != nil {
		return err
	}

	nameBuf := make([]byte, nameLen)
	if err := src.GetBytes(nameBuf); err != nil {
		return err
	}

	name := string(nameBuf)

	dev, ok := r.layer.Find(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}

	if name != r.lastDeviceName {
		r.lastDeviceName = name
		r.lastTotalSectors = dev.Length() >> SectorBits
	}

	sectorCount := int64(SectorsPerChunk)
	if remaining := r.lastTotalSectors - sector; remaining < sectorCount {
		sectorCount = remaining
	}

	if sectorCount < 0 {
		sectorCount = 0
	}

	if flags.Has(FlagZeroBlock) {
		if !r.scratchIsZero {
			for i := range r.scratch {
				r.scratch[i] = 0
			}

			r.scratchIsZero = true
		}
	} else {
		if err := src.GetBytes(r.scratch); err != nil {
			return err
		}

		r.scratchIsZero = false
	}

	if sectorCount == 0 {
		return nil
	}

	return dev.WriteAt(sector, sectorCount, r.scratch)
}
