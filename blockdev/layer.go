package blockdev

import "golang.org/x/sync/errgroup"

// drainable is implemented by reference Devices that can wait for their
// own outstanding async reads; Layer.DrainAll uses it opportunistically.
type drainable interface {
	Drain()
}

// SimpleLayer is a Layer over a fixed, ordered set of Devices. Order is
// the order Add is called, matching spec §4.2's determinism requirement
// for enumeration. It works with any Device implementation (MemDevice,
// FileDevice, or a test fake), tracking in-use/ref-count state by
// identity rather than by concrete type.
type SimpleLayer struct {
	devices []Device
	inUse   map[Device]bool
	refs    map[Device]int
}

// NewMemLayer returns an empty layer. The name is kept for continuity
// with earlier revisions of this package that only supported MemDevice;
// it now accepts any Device.
func NewMemLayer() *SimpleLayer {
	return &SimpleLayer{
		inUse: make(map[Device]bool),
		refs:  make(map[Device]int),
	}
}

// Add registers d with the layer, in call order.
func (l *SimpleLayer) Add(d Device) {
	l.devices = append(l.devices, d)
}

func (l *SimpleLayer) IterateAll(fn func(Device)) {
	for _, d := range l.devices {
		fn(d)
	}
}

func (l *SimpleLayer) Find(name string) (Device, bool) {
	for _, d := range l.devices {
		if d.Name() == name {
			return d, true
		}
	}

	return nil, false
}

// DrainAll waits for every device's outstanding async reads to finish
// concurrently, using the same errgroup the donor uses to join its
// vCPU goroutines (vmm/migrate.go's runRestoredVM). Only devices that
// implement Drain are waited on; any other device is skipped.
func (l *SimpleLayer) DrainAll() {
	var g errgroup.Group

	for _, d := range l.devices {
		dd, ok := d.(drainable)
		if !ok {
			continue
		}

		g.Go(func() error {
			dd.Drain()

			return nil
		})
	}

	_ = g.Wait()
}

func (l *SimpleLayer) SetInUse(d Device, inUse bool) { l.inUse[d] = inUse }

func (l *SimpleLayer) AcquireRef(d Device) { l.refs[d]++ }

func (l *SimpleLayer) ReleaseRef(d Device) { l.refs[d]-- }

// RefCount reports the current reference count for d (test/debug use).
func (l *SimpleLayer) RefCount(d Device) int { return l.refs[d] }

// InUse reports whether d is currently marked in-use (test/debug use).
func (l *SimpleLayer) InUse(d Device) bool { return l.inUse[d] }
