package blockmig

import "time"

// Params is the three-boolean parameter surface the migration driver
// sets before Setup (spec §6.3).
type Params struct {
	// Blk enables block migration at all.
	Blk bool

	// Shared asserts the base image is shared, so unallocated runs of
	// a device are skipped during bulk. Implies Blk.
	Shared bool

	// Sparse elides all-zero chunks during bulk. Implies Blk.
	Sparse bool
}

// Downtime is the migration driver's downtime budget, consulted by the
// convergence test (spec §4.8).
type Downtime interface {
	MaxDowntime() time.Duration
}

// FixedDowntime is a constant Downtime, the common case for tests and
// for a driver that reads its budget once from configuration.
type FixedDowntime time.Duration

func (d FixedDowntime) MaxDowntime() time.Duration { return time.Duration(d) }
