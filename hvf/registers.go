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

// regToHV maps a vmm register to the framework hv_reg_t. X0..X28 are
// contiguous in both enums; SP has no hv_reg_t and is routed to SP_EL0 by
// the callers.
func regToHV(r vmm.Reg) (C.hv_reg_t, bool) {
	switch {
	case r >= vmm.RegX0 && r <= vmm.RegX28:
		return C.hv_reg_t(C.HV_REG_X0 + C.int(r-vmm.RegX0)), true
	case r == vmm.RegFP:
		return C.HV_REG_FP, true
	case r == vmm.RegLR:
		return C.HV_REG_LR, true
	case r == vmm.RegPC:
		return C.HV_REG_PC, true
	case r == vmm.RegCPSR:
		return C.HV_REG_CPSR, true
	default:
		return 0, false
	}
}

func sysRegToHV(r vmm.SysReg) (C.hv_sys_reg_t, bool) {
	switch r {
	case vmm.SysRegSPEL0:
		return C.HV_SYS_REG_SP_EL0, true
	case vmm.SysRegMPIDREL1:
		return C.HV_SYS_REG_MPIDR_EL1, true
	case vmm.SysRegESREL1:
		return C.HV_SYS_REG_ESR_EL1, true
	case vmm.SysRegFAREL1:
		return C.HV_SYS_REG_FAR_EL1, true
	default:
		return 0, false
	}
}

func (c *VCPU) GetReg(r vmm.Reg) (uint64, error) {
	if c == nil {
		return 0, fmt.Errorf("hvf: VCPU is nil")
	}
	if c.closed {
		return 0, ErrVCPUClosed
	}
	if r == vmm.RegSP {
		return c.GetSysReg(vmm.SysRegSPEL0)
	}
	hvReg, ok := regToHV(r)
	if !ok {
		return 0, ErrInvalidRegister
	}
	var val C.ulonglong
	ret := C.hv_vcpu_get_reg(c.id, hvReg, &val)
	if err := hvErr(uint32(ret)); err != nil {
		return 0, fmt.Errorf("failed to get register %d: %w", r, err)
	}
	return uint64(val), nil
}

func (c *VCPU) SetReg(r vmm.Reg, v uint64) error {
	if c == nil {
		return fmt.Errorf("hvf: VCPU is nil")
	}
	if c.closed {
		return ErrVCPUClosed
	}
	if r == vmm.RegSP {
		return c.SetSysReg(vmm.SysRegSPEL0, v)
	}
	hvReg, ok := regToHV(r)
	if !ok {
		return ErrInvalidRegister
	}
	ret := C.hv_vcpu_set_reg(c.id, hvReg, C.ulonglong(v))
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("failed to set register %d: %w", r, err)
	}
	return nil
}

func (c *VCPU) GetSysReg(r vmm.SysReg) (uint64, error) {
	if c == nil {
		return 0, fmt.Errorf("hvf: VCPU is nil")
	}
	if c.closed {
		return 0, ErrVCPUClosed
	}
	hvReg, ok := sysRegToHV(r)
	if !ok {
		return 0, ErrInvalidRegister
	}
	var val C.ulonglong
	ret := C.hv_vcpu_get_sys_reg(c.id, hvReg, &val)
	if err := hvErr(uint32(ret)); err != nil {
		return 0, fmt.Errorf("failed to get system register %d: %w", r, err)
	}
	return uint64(val), nil
}

func (c *VCPU) SetSysReg(r vmm.SysReg, v uint64) error {
	if c == nil {
		return fmt.Errorf("hvf: VCPU is nil")
	}
	if c.closed {
		return ErrVCPUClosed
	}
	hvReg, ok := sysRegToHV(r)
	if !ok {
		return ErrInvalidRegister
	}
	ret := C.hv_vcpu_set_sys_reg(c.id, hvReg, C.ulonglong(v))
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("failed to set system register %d: %w", r, err)
	}
	return nil
}
