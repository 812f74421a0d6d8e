//go:build darwin && arm64

package hvf

/*
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_error.h>

#ifndef HV_MEMORY_READ
#define HV_MEMORY_READ (1<<0)
#endif
#ifndef HV_MEMORY_WRITE
#define HV_MEMORY_WRITE (1<<1)
#endif
#ifndef HV_MEMORY_EXEC
#define HV_MEMORY_EXEC (1<<2)
#endif

extern int hv_vm_map(void* uva, unsigned long long gpa, size_t size, int flags);
extern int hv_vm_unmap(unsigned long long gpa, size_t size);

// Wrapper to construct flags using framework macros without exposing values to Go.
static int go_hv_vm_map(void* addr, unsigned long long gpa, unsigned long long size, int r, int w, int x) {
	int flags = 0;
	if (r) flags |= HV_MEMORY_READ;
	if (w) flags |= HV_MEMORY_WRITE;
	if (x) flags |= HV_MEMORY_EXEC;
	return hv_vm_map(addr, gpa, (size_t)size, flags);
}

static int go_hv_vm_unmap(unsigned long long gpa, unsigned long long size) {
	return hv_vm_unmap(gpa, (size_t)size);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/blacktop/go-vmm"
	"golang.org/x/sys/unix"
)

var (
	cachedPageMask uint64
	pageSizeOnce   sync.Once
)

func isPageAligned(addr uint64) bool {
	pageSizeOnce.Do(func() {
		cachedPageMask = uint64(unix.Getpagesize() - 1)
	})
	return addr&cachedPageMask == 0
}

// Map maps a host memory slice into the guest physical address space.
// The host slice base address, length, and guestPhys must be page-aligned.
func (vm *VM) Map(host []byte, guestPhys uint64, perms vmm.MemPerm) error {
	if vm == nil {
		return fmt.Errorf("hvf: VM is nil")
	}
	if vm.closed {
		return ErrVMClosed
	}
	if len(host) == 0 {
		return fmt.Errorf("hvf: map requires non-empty host buffer")
	}
	if perms == 0 || perms&^(vmm.MemRead|vmm.MemWrite|vmm.MemExec) != 0 {
		return fmt.Errorf("hvf: invalid permission bits %#x", perms)
	}
	if !isPageAligned(guestPhys) {
		return fmt.Errorf("hvf: guestPhys not page-aligned: %#x", guestPhys)
	}
	if !isPageAligned(uint64(len(host))) {
		return fmt.Errorf("hvf: host length not a page multiple: %d", len(host))
	}
	ptr := unsafe.Pointer(&host[0])
	if !isPageAligned(uint64(uintptr(ptr))) {
		return fmt.Errorf("hvf: host base not page-aligned: %p", ptr)
	}

	read, write, exec := 0, 0, 0
	if perms&vmm.MemRead != 0 {
		read = 1
	}
	if perms&vmm.MemWrite != 0 {
		write = 1
	}
	if perms&vmm.MemExec != 0 {
		exec = 1
	}
	ret := C.go_hv_vm_map(ptr, C.ulonglong(guestPhys), C.ulonglong(uint64(len(host))), C.int(read), C.int(write), C.int(exec))
	runtime.KeepAlive(host)
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("failed to map %d bytes at %#x with perms %#x: %w", len(host), guestPhys, perms, err)
	}
	return nil
}

// Unmap removes a region from the guest physical address space.
func (vm *VM) Unmap(guestPhys, size uint64) error {
	if vm == nil {
		return fmt.Errorf("hvf: VM is nil")
	}
	if vm.closed {
		return ErrVMClosed
	}
	if size == 0 {
		return fmt.Errorf("hvf: unmap requires non-zero size")
	}
	if !isPageAligned(guestPhys) {
		return fmt.Errorf("hvf: guestPhys not page-aligned: %#x", guestPhys)
	}
	if !isPageAligned(size) {
		return fmt.Errorf("hvf: size not a page multiple: %d", size)
	}
	ret := C.go_hv_vm_unmap(C.ulonglong(guestPhys), C.ulonglong(size))
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("failed to unmap region %#x+%d: %w", guestPhys, size, err)
	}
	return nil
}
