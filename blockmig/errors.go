package blockmig

import "errors"

var (
	// ErrReadFailed is returned when a block-device read backing a
	// pending or dirty-phase chunk completed with an error.
	ErrReadFailed = errors.New("blockmig: device read failed")

	// ErrSubmittedNotZero is returned by Complete if reads are still
	// in flight; the outer driver must pause the guest and drain
	// Iterate's pipeline before calling Complete (spec §4.9).
	ErrSubmittedNotZero = errors.New("blockmig: reads still in flight at complete")

	// ErrNotSetUp is returned by Iterate/Complete when called before a
	// successful Setup. Load has no such requirement: it is the
	// receiver side of the protocol, driven against its own Layer
	// independently of any sender-side session on this Engine.
	ErrNotSetUp = errors.New("blockmig: engine has no active session")
)
