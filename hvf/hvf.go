//go:build darwin && arm64

// Package hvf implements the vmm provider interfaces on top of Apple's
// Hypervisor.framework for Darwin ARM64.
//
// The framework allows one VM per process, enforced here with a package
// guard, and requires each vCPU to be created, run, and destroyed on the
// same OS thread; callers (the vmm run loop) hold the thread locked.
package hvf

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_error.h>
#include <Hypervisor/hv_vm.h>
#include <Hypervisor/hv_vm_config.h>
#include <Hypervisor/hv_base.h>
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_vcpu_config.h>
#include <os/object.h>

// Create the VM with the default IPA size when the config API is available.
static hv_return_t go_hv_vm_create_with_cfg() {
#if __has_include(<Hypervisor/hv_vm_config.h>)
	hv_vm_config_t config = hv_vm_config_create();
	if (!config) {
		return HV_ERROR;
	}
	uint32_t default_ipa_size = 0;
	hv_return_t ret = hv_vm_config_get_default_ipa_size(&default_ipa_size);
	if (ret == HV_SUCCESS) {
		ret = hv_vm_config_set_ipa_size(config, default_ipa_size);
		if (ret != HV_SUCCESS) {
			os_release(config);
			return ret;
		}
	}
	ret = hv_vm_create(config);
	os_release(config);
	return ret;
#else
	return hv_vm_create(NULL);
#endif
}
*/
import "C"

import (
	"fmt"
	"sync"

	"github.com/blacktop/go-vmm"
)

var (
	vmMu     sync.Mutex
	vmActive bool
)

// VM is the per-process Hypervisor.framework VM object. It implements
// vmm.Provider.
type VM struct {
	closeMu sync.Mutex
	closed  bool
}

// New creates the Hypervisor VM for this process. It fails with
// ErrVMAlreadyActive if another VM is live in the process.
func New() (vmm.Provider, error) {
	vmMu.Lock()
	defer vmMu.Unlock()

	if vmActive {
		return nil, ErrVMAlreadyActive
	}
	ret := C.go_hv_vm_create_with_cfg()
	if err := hvErr(uint32(ret)); err != nil {
		return nil, err
	}
	vmActive = true
	return &VM{}, nil
}

// Close destroys the Hypervisor VM. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()
	if vm.closed {
		return nil
	}

	vmMu.Lock()
	defer vmMu.Unlock()
	if !vmActive {
		return nil
	}
	ret := C.hv_vm_destroy()
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("failed to destroy VM: %w", err)
	}
	vm.closed = true
	vmActive = false
	return nil
}

// VCPU is one Hypervisor.framework vCPU. It implements vmm.VCPU and must be
// used only from its creating OS thread.
type VCPU struct {
	id     C.hv_vcpu_t
	exit   *C.hv_vcpu_exit_t
	closed bool
}

// NewVCPU creates a vCPU on the calling thread. The framework fills in the
// exit-record pointer; Run decodes it after every trap.
func (vm *VM) NewVCPU() (vmm.VCPU, error) {
	if vm == nil {
		return nil, fmt.Errorf("hvf: VM is nil")
	}
	var vcpu C.hv_vcpu_t
	var exit *C.hv_vcpu_exit_t
	ret := C.hv_vcpu_create(&vcpu, &exit, nil)
	if err := hvErr(uint32(ret)); err != nil {
		return nil, err
	}
	return &VCPU{id: vcpu, exit: exit}, nil
}

// Close destroys this vCPU. Must be called on the creating thread.
func (c *VCPU) Close() error {
	if c == nil || c.closed {
		return nil
	}
	ret := C.hv_vcpu_destroy(c.id)
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("failed to destroy vCPU: %w", err)
	}
	c.closed = true
	return nil
}
