package vmm

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds reports a guest-physical offset outside the VM's
	// memory region.
	ErrOutOfBounds = errors.New("vmm: guest-physical offset out of bounds")

	// ErrImageTooLarge reports a guest image that does not fit in the
	// memory region at its load offset.
	ErrImageTooLarge = errors.New("vmm: guest image too large for memory region")
)

// FaultKind categorizes fatal guest faults.
type FaultKind int

const (
	FaultDataAbort FaultKind = iota
	FaultInstrAbort
	FaultUnhandledClass
	FaultUnknownExit
)

func (k FaultKind) String() string {
	switch k {
	case FaultDataAbort:
		return "data abort"
	case FaultInstrAbort:
		return "instruction abort"
	case FaultUnhandledClass:
		return "unhandled exception class"
	case FaultUnknownExit:
		return "unknown exit reason"
	default:
		return "fault"
	}
}

// FaultError is a fatal guest fault: a data or instruction abort, an
// exception class the dispatcher does not handle, or a provider exit reason
// it does not know. It stops the owning vCPU's run loop.
type FaultError struct {
	VCPU int
	Kind FaultKind
	EC   uint32 // exception class, when Kind came from a syndrome
	PC   uint64
	FAR  uint64 // faulting address, data aborts only
	Code uint32 // raw provider reason, FaultUnknownExit only
}

func (e *FaultError) Error() string {
	switch e.Kind {
	case FaultDataAbort:
		return fmt.Sprintf("vmm: vcpu %d: data abort at pc=%#x fault addr=%#x", e.VCPU, e.PC, e.FAR)
	case FaultInstrAbort:
		return fmt.Sprintf("vmm: vcpu %d: instruction abort at pc=%#x", e.VCPU, e.PC)
	case FaultUnhandledClass:
		return fmt.Sprintf("vmm: vcpu %d: unhandled exception class %#x at pc=%#x", e.VCPU, e.EC, e.PC)
	case FaultUnknownExit:
		return fmt.Sprintf("vmm: vcpu %d: unknown exit reason %d", e.VCPU, e.Code)
	default:
		return fmt.Sprintf("vmm: vcpu %d: fault", e.VCPU)
	}
}
