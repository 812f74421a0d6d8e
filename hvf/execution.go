//go:build darwin && arm64

package hvf

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_vcpu_types.h>
*/
import "C"

import (
	"fmt"

	"github.com/blacktop/go-vmm"
)

// Run executes the vCPU until it traps and decodes the framework's exit
// record. Must be called on the creating thread; the run loop in vmm is the
// only consumer.
func (c *VCPU) Run() (vmm.ExitInfo, error) {
	var info vmm.ExitInfo
	if c == nil {
		return info, fmt.Errorf("hvf: VCPU is nil")
	}
	if c.closed {
		return info, ErrVCPUClosed
	}

	ret := C.hv_vcpu_run(c.id)
	if err := hvErr(uint32(ret)); err != nil {
		return info, fmt.Errorf("failed to run vCPU: %w", err)
	}

	switch c.exit.reason {
	case C.HV_EXIT_REASON_EXCEPTION:
		info.Reason = vmm.ExitException
		info.ESR = uint64(c.exit.exception.syndrome)
		info.FAR = uint64(c.exit.exception.virtual_address)
	case C.HV_EXIT_REASON_CANCELED:
		info.Reason = vmm.ExitCanceled
	case C.HV_EXIT_REASON_VTIMER_ACTIVATED:
		info.Reason = vmm.ExitTimer
	default:
		info.Reason = vmm.ExitUnknown
		info.Code = uint32(c.exit.reason)
	}
	return info, nil
}
