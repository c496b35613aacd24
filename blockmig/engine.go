// Package blockmig implements the sender-side bulk/dirty streaming
// engine and the receiver-side applier for live block-device migration
// (see original_source/block-migration.c for the reference this engine
// is ported from). The engine itself never touches a socket or a real
// disk directly — it is driven through the blockdev.Device/Layer,
// wire.Sink/Source, and clock.Clock collaborator interfaces, exactly
// the seam spec'd for the outer migration driver.
package blockmig

import (
	"fmt"
	"log"

	"github.com/gokvm/blockmig/blockdev"
	"github.com/gokvm/blockmig/wire"
)

// Engine is one migration session. The zero value is not usable;
// construct with New. A single Engine is meant to be driven from one
// logical execution context at a time — see the package doc and
// spec §5: async reads run on their own goroutines, but every mutation
// of Engine state happens inside a call from that one context, which
// pumps device completion channels instead of being called back into.
type Engine struct {
	clk clock
	enc *wire.Encoder

	params   Params
	layer    blockdev.Layer
	downtime Downtime

	cursors []*deviceCursor
	queue   []*pendingRead

	submitted   int64
	readDone    int64
	transferred int64

	cumulativeReadNanos int64
	readCount           int64
	lastTimestampNanos  int64

	bulkCompleted bool

	// progress is the last integer percentage actually put on the wire
	// (spec §3's "last reported integer percentage"), or -1 before the
	// first one has been sent. bulkStep recomputes it every step and
	// only emits a PROGRESS frame when it changes, matching the
	// reference's prev_progress deduplication.
	progress int
}

// clock is the subset of clock.Clock the engine needs; declared
// locally so engine.go doesn't need to import the clock package just
// for a one-method interface already satisfied by clock.Clock.
type clock interface {
	Nanos() int64
}

// New returns an Engine with no active session. Call SetParams then
// Setup before Iterate/Complete/Load.
func New(clk clock) *Engine {
	return &Engine{
		clk: clk,
		enc: wire.NewEncoder(),
	}
}

// SetParams installs the parameter surface for the next Setup.
func (e *Engine) SetParams(p Params) { e.params = p }

// Setup resets all engine state, enumerates layer's devices (spec
// §4.2), and emits the phase-boundary EOS the outer protocol expects
// at the end of setup (spec §4.9).
func (e *Engine) Setup(layer blockdev.Layer, downtime Downtime, sink wire.Sink) error {
	err := e.setup(layer, downtime, sink)
	if err != nil {
		e.cleanup()
	}

	return err
}

func (e *Engine) setup(layer blockdev.Layer, downtime Downtime, sink wire.Sink) error {
	e.layer = layer
	e.downtime = downtime

	e.cursors = nil
	e.queue = nil
	e.submitted = 0
	e.readDone = 0
	e.transferred = 0
	e.cumulativeReadNanos = 0
	e.readCount = 0
	e.lastTimestampNanos = 0
	e.bulkCompleted = false
	e.progress = -1

	layer.IterateAll(func(d blockdev.Device) {
		if d.ReadOnly() || d.Length() <= 0 {
			return
		}

		cur := newDeviceCursor(d, e.params.Shared, e.params.Sparse)

		layer.AcquireRef(d)
		layer.SetInUse(d, true)
		d.SetDirtyTracking(true)

		e.cursors = append(e.cursors, cur)
	})

	// The reference calls flush_pending here before anything has been
	// read; harmless since the queue is empty, kept for wire
	// compatibility with peers that expect the same frame sequence.
	if err := e.flushPending(sink); err != nil {
		return err
	}

	e.resetDirtyCursors()

	log.Printf("blockmig: setup complete, %d device(s) enrolled", len(e.cursors))

	return e.enc.EncodeEOS(sink)
}

// Iterate drains the pending queue, advances the bulk or dirty scan as
// far as the rate budget allows, and reports whether the convergence
// test (spec §4.8) currently holds.
func (e *Engine) Iterate(sink wire.Sink) (converged bool, err error) {
	converged, err = e.iterate(sink)
	if err != nil {
		e.cleanup()
	}

	return converged, err
}

func (e *Engine) iterate(sink wire.Sink) (bool, error) {
	if e.layer == nil {
		return false, ErrNotSetUp
	}

	e.pumpAll()

	if err := e.flushPending(sink); err != nil {
		return false, err
	}

	e.resetDirtyCursors()

	for (e.submitted+e.readDone)*wire.ChunkBytes < sink.WindowBytes() {
		if !e.bulkCompleted {
			if err := e.bulkStep(sink); err != nil {
				return false, err
			}

			if e.allBulkCompleted() {
				e.bulkCompleted = true
			}
		} else {
			foundAny, err := e.dirtyStepAllAsync()
			if err != nil {
				return false, err
			}

			if !foundAny {
				break
			}
		}

		e.pumpAll()
	}

	if err := e.flushPending(sink); err != nil {
		return false, err
	}

	if err := e.enc.EncodeEOS(sink); err != nil {
		return false, err
	}

	return e.stage2Done(), nil
}

// Complete drains the remaining pipeline synchronously and transmits
// every still-dirty chunk inline, with no further pipelining, then
// emits the final 100% progress frame and EOS (spec §4.9).
func (e *Engine) Complete(sink wire.Sink) error {
	err := e.complete(sink)
	if err != nil {
		e.cleanup()
	}

	return err
}

func (e *Engine) complete(sink wire.Sink) error {
	if e.layer == nil {
		return ErrNotSetUp
	}

	e.pumpAll()

	if err := e.flushPending(sink); err != nil {
		return err
	}

	if e.submitted != 0 {
		return ErrSubmittedNotZero
	}

	log.Printf("blockmig: completing, %d bytes remaining dirty", e.remainingDirtyBytes())

	e.resetDirtyCursors()

	for _, cur := range e.cursors {
		for {
			_, exhausted, err := e.dirtyStepOne(cur, sink, false)
			if err != nil {
				return err
			}

			if exhausted {
				break
			}
		}
	}

	if err := e.enc.EncodeProgress(sink, 100); err != nil {
		return err
	}

	e.progress = 100

	return e.enc.EncodeEOS(sink)
}

// Cancel aborts the session immediately and releases every resource
// Setup acquired (spec §4.9, §5). The engine is inert afterward; it
// must not be driven again without a fresh Setup.
func (e *Engine) Cancel() {
	if e.layer != nil {
		log.Printf("blockmig: cancelling, %d reads in flight", e.submitted)
	}

	e.cleanup()
}

func (e *Engine) cleanup() {
	if e.layer != nil {
		e.layer.DrainAll()
		e.pumpAll()
	}

	for _, cur := range e.cursors {
		cur.device.SetDirtyTracking(false)

		if e.layer != nil {
			e.layer.ReleaseRef(cur.device)
			e.layer.SetInUse(cur.device, false)
		}
	}

	e.cursors = nil
	e.queue = nil
	e.submitted = 0
	e.readDone = 0
	e.bulkCompleted = false
	e.layer = nil
}

// Load applies an incoming stream to layer — the receiver-side
// counterpart to Setup/Iterate/Complete, named after the reference's
// own load_state hook (original_source/block-migration.c's
// block_load). It returns once the stream's EOS marker is seen.
func (e *Engine) Load(src wire.Source, layer blockdev.Layer) error {
	return wire.NewReceiver(layer).Apply(src)
}

// IsActive reports whether the session has any migratable device. The
// reference's block_is_active checks blk_enable == 1 with strict
// equality even though block_set_params may OR additional bits into
// blk_enable; this engine treats any of the three parameter bits as
// "block migration requested" rather than replicating that equality
// check (spec §9 open question).
func (e *Engine) IsActive() bool {
	requested := e.params.Blk || e.params.Shared || e.params.Sparse

	return requested && len(e.cursors) > 0
}

// BytesTotal returns the sum of every registered device's length.
func (e *Engine) BytesTotal() int64 {
	var total int64

	for _, cur := range e.cursors {
		total += cur.totalSectors * blockdev.SectorSize
	}

	return total
}

// BytesTransferred returns the number of bytes actually put on the
// wire so far this session.
func (e *Engine) BytesTransferred() int64 { return e.transferred }

// BytesRemaining returns BytesTotal minus BytesTransferred.
func (e *Engine) BytesRemaining() int64 { return e.BytesTotal() - e.transferred }

func (e *Engine) resetDirtyCursors() {
	for _, cur := range e.cursors {
		cur.dirtyCursor = 0
	}
}

func (e *Engine) allBulkCompleted() bool {
	for _, cur := range e.cursors {
		if !cur.bulkCompleted {
			return false
		}
	}

	return true
}

func (e *Engine) firstIncompleteBulk() *deviceCursor {
	for _, cur := range e.cursors {
		if !cur.bulkCompleted {
			return cur
		}
	}

	return nil
}

// bulkStep advances at most one chunk for the first device still in
// its bulk phase (spec §4.3) and recomputes/emits progress the same
// call, matching the reference's blk_mig_save_bulked_block which does
// both in one pass (original_source/block-migration.c:363-396).
func (e *Engine) bulkStep(sink wire.Sink) error {
	cur := e.firstIncompleteBulk()
	if cur == nil {
		return e.emitProgressIfChanged(sink)
	}

	if cur.sharedBase {
		for cur.bulkCursor < cur.totalSectors {
			allocated, run := cur.device.IsAllocated(cur.bulkCursor, wire.MaxIsAllocatedSearch)
			if allocated {
				break
			}

			if run <= 0 {
				run = 1
			}

			cur.bulkCursor += run
		}
	}

	if cur.bulkCursor >= cur.totalSectors {
		cur.bulkCompleted = true
		cur.completedSectors = cur.totalSectors

		return e.emitProgressIfChanged(sink)
	}

	cur.bulkCursor -= cur.bulkCursor % wire.SectorsPerChunk
	cur.completedSectors = cur.bulkCursor

	sector := cur.bulkCursor
	sectorCount := wire.SectorsPerChunk

	if remaining := cur.totalSectors - sector; remaining < int64(sectorCount) {
		sectorCount = int(remaining)
	}

	chunkIdx := sector / wire.SectorsPerChunk

	if err := e.submitRead(cur, sector, int64(sectorCount), chunkIdx); err != nil {
		return err
	}

	cur.device.ResetDirty(sector, int64(sectorCount))

	cur.bulkCursor += wire.SectorsPerChunk

	return e.emitProgressIfChanged(sink)
}

// emitProgressIfChanged computes the overall completion percentage
// from every cursor's completed_sectors against the total sector
// count, and emits a PROGRESS frame only when it differs from the
// last one sent (spec §3's Progress field; original_source's
// prev_progress dedup).
func (e *Engine) emitProgressIfChanged(sink wire.Sink) error {
	var completed, total int64

	for _, cur := range e.cursors {
		completed += cur.completedSectors
		total += cur.totalSectors
	}

	percent := 100
	if total != 0 {
		percent = int(completed * 100 / total)
	}

	if percent == e.progress {
		return nil
	}

	if err := e.enc.EncodeProgress(sink, percent); err != nil {
		return err
	}

	e.progress = percent

	return nil
}

// dirtyStepAllAsync walks devices in order looking for the first one
// with a dirty chunk to submit, matching the reference's
// blk_mig_save_dirty_block (original_source/block-migration.c:479-496),
// which breaks immediately after the first device it finds one on. At
// most one chunk is submitted per call, so iterate's rate-limit check
// (the while loop's window comparison) is re-evaluated after every
// single chunk, not after a whole pass over every device.
func (e *Engine) dirtyStepAllAsync() (foundAny bool, err error) {
	for _, cur := range e.cursors {
		found, _, err := e.dirtyStepOne(cur, nil, true)
		if err != nil {
			return false, err
		}

		if found {
			return true, nil
		}
	}

	return false, nil
}

// dirtyStepOne is dirty_step(device, async) from spec §4.4: scan
// forward from the device's dirty cursor, submitting (or, if !async,
// synchronously sending) at most one dirty chunk, then returning.
// exhausted reports whether the cursor reached the end of the device.
func (e *Engine) dirtyStepOne(cur *deviceCursor, sink wire.Sink, async bool) (found bool, exhausted bool, err error) {
	for cur.dirtyCursor < cur.totalSectors {
		chunkIdx := cur.dirtyCursor / wire.SectorsPerChunk

		if cur.inFlight.Test(chunkIdx) {
			e.drainInFlight()

			continue
		}

		if !cur.device.GetDirty(cur.dirtyCursor) {
			cur.dirtyCursor += wire.SectorsPerChunk

			continue
		}

		sector := cur.dirtyCursor
		sectorCount := int64(wire.SectorsPerChunk)

		if remaining := cur.totalSectors - sector; remaining < sectorCount {
			sectorCount = remaining
		}

		cur.device.ResetDirty(sector, sectorCount)
		cur.dirtyCursor += wire.SectorsPerChunk

		if async {
			if err := e.submitRead(cur, sector, sectorCount, chunkIdx); err != nil {
				return false, false, err
			}
		} else {
			if err := e.syncSendChunk(cur, sink, sector, sectorCount); err != nil {
				return false, false, err
			}
		}

		return true, cur.dirtyCursor >= cur.totalSectors, nil
	}

	return false, true, nil
}

func (e *Engine) submitRead(cur *deviceCursor, sector, sectorCount, chunkIdx int64) error {
	buf := make([]byte, wire.ChunkBytes)

	pr := &pendingRead{
		cursor:      cur,
		sector:      sector,
		sectorCount: sectorCount,
		buf:         buf,
	}

	if e.submitted == 0 {
		e.lastTimestampNanos = e.clk.Nanos()
	}

	cur.inFlight.Set(chunkIdx, true)

	handle := cur.device.AsyncReadAt(sector, sectorCount, buf)
	cur.pending[handle] = pr
	e.submitted++

	return nil
}

func (e *Engine) syncSendChunk(cur *deviceCursor, sink wire.Sink, sector, sectorCount int64) error {
	buf := make([]byte, wire.ChunkBytes)

	if err := cur.device.ReadAt(sector, sectorCount, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}

	if _, err := e.enc.EncodeDeviceBlock(sink, cur.device.Name(), sector, buf, false); err != nil {
		return err
	}

	e.transferred += sectorCount * blockdev.SectorSize

	return nil
}

// flush_pending (spec §4.6): drain the queue head-first, stopping at
// the first rate-limited moment or the first read error.
func (e *Engine) flushPending(sink wire.Sink) error {
	for len(e.queue) > 0 {
		if sink.RateLimited() {
			return nil
		}

		pr := e.queue[0]

		if pr.err != nil {
			return fmt.Errorf("%w: %v", ErrReadFailed, pr.err)
		}

		// Sparse eligibility is re-checked here, at send time, rather
		// than pinned when the read was submitted: the reference's
		// blk_send does the same, testing bmds->bulk_completed's
		// current value (original_source/block-migration.c:115-124).
		// A chunk queued right at the bulk/dirty boundary is therefore
		// not elided once the device's bulk phase has finished by the
		// time it reaches the front of the queue.
		sparseEligible := pr.cursor.sparseEnable && !pr.cursor.bulkCompleted

		if _, err := e.enc.EncodeDeviceBlock(sink, pr.cursor.device.Name(), pr.sector, pr.buf, sparseEligible); err != nil {
			return err
		}

		e.queue = e.queue[1:]
		e.readDone--
		e.transferred += pr.sectorCount * blockdev.SectorSize
	}

	return nil
}

// pumpAll drains every device's completion channel without blocking,
// the "re-entered on the same logical execution context" step that
// lets the engine stay lock-free (spec §5).
func (e *Engine) pumpAll() {
	for _, cur := range e.cursors {
		e.pumpDevice(cur)
	}
}

func (e *Engine) pumpDevice(cur *deviceCursor) {
	for {
		select {
		case comp := <-cur.device.Completions():
			e.onReadComplete(cur, comp)
		default:
			return
		}
	}
}

// drainInFlight blocks until every device's outstanding async reads
// have finished, then pumps their completions — the one explicit
// synchronous wait inside the engine (spec §4.4, §5).
func (e *Engine) drainInFlight() {
	e.layer.DrainAll()
	e.pumpAll()
}

func (e *Engine) onReadComplete(cur *deviceCursor, comp blockdev.ReadCompletion) {
	pr, ok := cur.pending[comp.Handle]
	if !ok {
		return
	}

	delete(cur.pending, comp.Handle)

	pr.err = comp.Err

	chunkIdx := pr.sector / wire.SectorsPerChunk
	cur.inFlight.Set(chunkIdx, false)

	e.submitted--
	e.readDone++

	now := e.clk.Nanos()
	if e.lastTimestampNanos != 0 {
		e.cumulativeReadNanos += now - e.lastTimestampNanos
	}

	e.lastTimestampNanos = now
	e.readCount++

	e.queue = append(e.queue, pr)
}

// stage2_done (spec §4.8): the bulk phase must be finished, and either
// there is no dirty data left or it could be sent within the
// downtime budget at the recently observed throughput.
func (e *Engine) stage2Done() bool {
	if !e.bulkCompleted {
		return false
	}

	remaining := e.remainingDirtyBytes()
	if remaining == 0 {
		return true
	}

	throughput := e.recentThroughputBytesPerSecond()
	if throughput <= 0 {
		return false
	}

	maxDowntime := e.downtime.MaxDowntime().Seconds()

	return float64(remaining)/throughput <= maxDowntime
}

func (e *Engine) remainingDirtyBytes() int64 {
	var total int64

	for _, cur := range e.cursors {
		total += cur.device.DirtyCount() * wire.ChunkBytes
	}

	return total
}

func (e *Engine) recentThroughputBytesPerSecond() float64 {
	if e.cumulativeReadNanos <= 0 || e.readCount == 0 {
		return 0
	}

	seconds := float64(e.cumulativeReadNanos) / 1e9
	if seconds <= 0 {
		return 0
	}

	return float64(e.readCount) * float64(wire.ChunkBytes) / seconds
}
