// Package vmm is a minimal VMM control plane: it creates isolated virtual
// machines, maps guest-physical memory, drives virtual CPUs, and mediates
// guest-to-host communication through a small hypercall ABI.
//
// The package is provider-agnostic. The [Provider] and [VCPU] interfaces
// describe the hardware-virtualization primitives the control plane needs;
// the hvf subpackage implements them on top of Apple's Hypervisor.framework
// for Darwin ARM64.
//
// # Running a VM
//
//	m, err := vmm.NewMachine(vmm.Config{
//		ID:          "vm0",
//		VCPUs:       1,
//		Image:       vmm.MustGuestImage("hello"),
//		NewProvider: hvf.New,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := m.Execute(); err != nil {
//		log.Fatal(err)
//	}
//
// Execute runs the full lifecycle: create the provider VM, allocate and map
// guest memory, load the image, run every vCPU to a terminal state, and tear
// everything down in order (vCPUs, memory mapping, host buffer, VM object)
// even on the failure path.
//
// # Guest ABI
//
// The guest communicates with the host only via the HVC instruction, with
// the call number in X0 and the argument in X1:
//
//	0  exit     stop this vCPU cleanly
//	1  putchar  print the low byte of X1
//	2  puts     print the NUL-terminated string at guest-physical offset X1
//
// Unrecognized call numbers are logged and execution continues. No value is
// returned to the guest.
//
// # Concurrency
//
// Each vCPU is owned end-to-end by one OS thread: the provider requires that
// a vCPU is created, run, and destroyed on the same thread. The only state
// shared across a VM's vCPU threads is the console writer, guarded by a
// mutex held per emitted character or string, and the guest memory buffer,
// which the host never mutates after image load. VMs share nothing with each
// other; the provider permits one VM per process, so parallel VMs require
// process-level isolation (see [RunAll] and [ProcessLauncher]).
package vmm
