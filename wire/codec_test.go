package wire_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gokvm/blockmig/blockdev"
	"github.com/gokvm/blockmig/clock"
	"github.com/gokvm/blockmig/ratelimit"
	"github.com/gokvm/blockmig/wire"
)

func newSink(buf *bytes.Buffer) *wire.StreamSink {
	return wire.NewStreamSink(buf, ratelimit.Unlimited(1<<30))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	enc := wire.NewEncoder()

	payload := bytes.Repeat([]byte{0xAB}, wire.ChunkBytes)

	sent, err := enc.EncodeDeviceBlock(sink, "disk0", 4096, payload, false)
	if err != nil || !sent {
		t.Fatalf("EncodeDeviceBlock: sent=%v err=%v", sent, err)
	}

	if err := enc.EncodeProgress(sink, 42); err != nil {
		t.Fatalf("EncodeProgress: %v", err)
	}

	if err := enc.EncodeEOS(sink); err != nil {
		t.Fatalf("EncodeEOS: %v", err)
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	dev, err := blockdev.NewMemDevice("disk0", wire.ChunkBytes*4, wire.SectorsPerChunk)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	layer := blockdev.NewMemLayer()
	layer.Add(dev)

	var gotProgress int

	recv := wire.NewReceiver(layer)
	recv.OnProgress(func(p int) { gotProgress = p })

	if err := recv.Apply(wire.NewStreamSource(&buf)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if gotProgress != 42 {
		t.Fatalf("progress = %d, want 42", gotProgress)
	}

	snap := dev.Snapshot()
	off := int64(4096) * blockdev.SectorSize

	if !bytes.Equal(snap[off:off+wire.ChunkBytes], payload) {
		t.Fatal("device contents did not match transmitted chunk")
	}
}

func TestEncodeDeviceBlockElidesZeroWhenSparseEligible(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	enc := wire.NewEncoder()

	zero := make([]byte, wire.ChunkBytes)

	sent, err := enc.EncodeDeviceBlock(sink, "disk0", 0, zero, true)
	if err != nil {
		t.Fatalf("EncodeDeviceBlock: %v", err)
	}

	if sent {
		t.Fatal("expected zero chunk with sparseEligible=true to be elided")
	}

	if buf.Len() != 0 {
		t.Fatalf("expected no bytes written, got %d", buf.Len())
	}
}

func TestEncodeDeviceBlockFlagsZeroWhenNotSparseEligible(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	enc := wire.NewEncoder()

	zero := make([]byte, wire.ChunkBytes)

	sent, err := enc.EncodeDeviceBlock(sink, "disk0", 0, zero, false)
	if err != nil || !sent {
		t.Fatalf("EncodeDeviceBlock: sent=%v err=%v", sent, err)
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// header + 1-byte length + "disk0", no payload bytes for a zero block.
	want := 8 + 1 + len("disk0")
	if buf.Len() != want {
		t.Fatalf("buf.Len() = %d, want %d (zero block must carry no payload)", buf.Len(), want)
	}
}

func TestEncodeDeviceBlockRejectsLongName(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	enc := wire.NewEncoder()

	longName := string(bytes.Repeat([]byte{'a'}, 256))

	_, err := enc.EncodeDeviceBlock(sink, longName, 0, make([]byte, wire.ChunkBytes), false)
	if !errors.Is(err, wire.ErrDeviceNameTooLong) {
		t.Fatalf("err = %v, want ErrDeviceNameTooLong", err)
	}
}

func TestReceiverRejectsUnknownFlags(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	if err := sink.PutU64BE(uint64(7) << wire.SectorBits); err != nil {
		t.Fatalf("PutU64BE: %v", err)
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	layer := blockdev.NewMemLayer()
	recv := wire.NewReceiver(layer)

	err := recv.Apply(wire.NewStreamSource(&buf))
	if !errors.Is(err, wire.ErrUnknownFlags) {
		t.Fatalf("err = %v, want ErrUnknownFlags", err)
	}
}

func TestReceiverRejectsUnknownDevice(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	enc := wire.NewEncoder()

	if _, err := enc.EncodeDeviceBlock(sink, "ghost", 0, make([]byte, wire.ChunkBytes), false); err != nil {
		t.Fatalf("EncodeDeviceBlock: %v", err)
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	layer := blockdev.NewMemLayer()
	recv := wire.NewReceiver(layer)

	err := recv.Apply(wire.NewStreamSource(&buf))
	if !errors.Is(err, wire.ErrUnknownDevice) {
		t.Fatalf("err = %v, want ErrUnknownDevice", err)
	}
}

func TestReceiverPropagatesTruncatedStream(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer([]byte{0, 0, 0})

	layer := blockdev.NewMemLayer()
	recv := wire.NewReceiver(layer)

	err := recv.Apply(wire.NewStreamSource(buf))
	if !errors.Is(err, wire.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestReceiverShortTailWritesOnlyRemainingSectors(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	sink := newSink(&buf)
	enc := wire.NewEncoder()

	// device is only 10 sectors long, well short of one full chunk.
	dev, err := blockdev.NewMemDevice("disk0", 10*blockdev.SectorSize, wire.SectorsPerChunk)
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}

	layer := blockdev.NewMemLayer()
	layer.Add(dev)

	payload := bytes.Repeat([]byte{0xCD}, wire.ChunkBytes)

	if _, err := enc.EncodeDeviceBlock(sink, "disk0", 0, payload, false); err != nil {
		t.Fatalf("EncodeDeviceBlock: %v", err)
	}

	if err := enc.EncodeEOS(sink); err != nil {
		t.Fatalf("EncodeEOS: %v", err)
	}

	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	recv := wire.NewReceiver(layer)
	if err := recv.Apply(wire.NewStreamSource(&buf)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap := dev.Snapshot()
	if !bytes.Equal(snap, payload[:10*blockdev.SectorSize]) {
		t.Fatal("receiver wrote past the device's true sector count")
	}
}

func TestStreamSinkRateLimited(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	fc := clock.NewFake(0)
	sink := wire.NewStreamSink(&buf, ratelimit.New(4, time.Second, fc))

	if sink.RateLimited() {
		t.Fatal("fresh sink should not be rate-limited")
	}

	if err := sink.PutU64BE(0); err != nil {
		t.Fatalf("PutU64BE: %v", err)
	}

	if !sink.RateLimited() {
		t.Fatal("sink should be rate-limited after exceeding its 4-byte window")
	}
}
