package wire

import (
	"errors"
	"unsafe"
)

// ErrDeviceNameTooLong is returned when a device name exceeds the
// one-byte length prefix the wire format allots it.
var ErrDeviceNameTooLong = errors.New("wire: device name longer than 255 bytes")

// Encoder writes device-block, progress, and end-of-stream frames to a
// Sink (spec §4.7).
type Encoder struct{}

// NewEncoder returns an Encoder. It holds no state of its own — all
// per-stream state (progress dedup, sparse eligibility) lives in the
// caller, since the same Encoder can serve multiple devices.
func NewEncoder() *Encoder { return &Encoder{} }

// EncodeDeviceBlock writes one device-block frame for the chunk
// starting at sector, read into buf (which must be exactly ChunkBytes
// long — the tail past the device's true sector count is never relied
// on by the receiver, per spec §3).
//
// If the chunk is entirely zero and sparseEligible is true (sparse mode
// enabled and the device is still in its bulk phase, per spec §4.7),
// the frame is elided entirely and EncodeDeviceBlock returns (false, nil).
// Otherwise it returns (true, nil) once the frame (or its header-only
// zero-block variant) has been written.
func (e *Encoder) EncodeDeviceBlock(sink Sink, deviceName string, sector int64, buf []byte, sparseEligible bool) (sent bool, err error) {
	if len(deviceName) > 255 {
		return false, ErrDeviceNameTooLong
	}

	zero := isZeroChunk(buf)

	if zero && sparseEligible {
		return false, nil
	}

	flags := FlagDeviceBlock
	if zero {
		flags |= FlagZeroBlock
	}

	if err := sink.PutU64BE(header(sector, flags)); err != nil {
		return false, err
	}

	if err := sink.PutU8(byte(len(deviceName))); err != nil {
		return false, err
	}

	if err := sink.PutBytes([]byte(deviceName)); err != nil {
		return false, err
	}

	if !zero {
		if err := sink.PutBytes(buf[:ChunkBytes]); err != nil {
			return false, err
		}

		return true, nil
	}

	// Long runs of headerless zero frames otherwise coalesce behind a
	// buffered sink until its buffer fills, starving the rate limiter
	// of the chance to notice — flush explicitly (spec §4.7).
	if err := sink.Flush(); err != nil {
		return false, err
	}

	return true, nil
}

// EncodeProgress writes a progress frame carrying percent (0-100) in
// the header's high bits.
func (e *Encoder) EncodeProgress(sink Sink, percent int) error {
	return sink.PutU64BE(header(int64(percent), FlagProgress))
}

// EncodeEOS writes the end-of-stream marker.
func (e *Encoder) EncodeEOS(sink Sink) error {
	return sink.PutU64BE(header(0, FlagEOS))
}

// isZeroChunk tests every byte of buf for equality with zero, using a
// word-at-a-time scan (spec §9 explicitly allows substituting this for
// the reference's SIMD compare). The reinterpretation technique mirrors
// machine/state.go's structBytes/copyStruct helpers in the donor.
func isZeroChunk(buf []byte) bool {
	n := len(buf)
	words := n / 8

	if words > 0 {
		ws := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), words)

		for _, w := range ws {
			if w != 0 {
				return false
			}
		}
	}

	for _, b := range buf[words*8:] {
		if b != 0 {
			return false
		}
	}

	return true
}
