package vmm

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

// Reg represents an ARM64 general-purpose or special register.
type Reg int

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegFP // X29
	RegLR // X30
	RegSP // Stack pointer (SP_EL0)
	RegPC
	RegCPSR
)

// SysReg names an ARM64 system register exposed through the provider.
type SysReg int

const (
	SysRegSPEL0 SysReg = iota
	SysRegMPIDREL1
	SysRegESREL1
	SysRegFAREL1
)

// ExitReason categorizes vCPU exits.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitException
	ExitCanceled
	ExitTimer
)

func (r ExitReason) String() string {
	switch r {
	case ExitException:
		return "exception"
	case ExitCanceled:
		return "canceled"
	case ExitTimer:
		return "vtimer"
	default:
		return "unknown"
	}
}

// ExitInfo captures why a vCPU stopped executing. It is produced by the
// provider after each Run call and is read-only to the control plane.
type ExitInfo struct {
	Reason ExitReason `json:"reason"`
	Code   uint32     `json:"code,omitempty"` // raw provider reason when Reason == ExitUnknown
	ESR    uint64     `json:"esr"`            // exception syndrome
	FAR    uint64     `json:"far"`            // faulting guest-virtual address
}

// Provider is the hardware-virtualization service backing one VM. A provider
// instance owns the per-process VM object; at most one may be active in a
// process (the hvf package enforces this the way the framework does).
type Provider interface {
	// Map registers a host buffer at guestPhys in the guest physical
	// address space. The buffer base, length, and guestPhys must be
	// page-aligned.
	Map(host []byte, guestPhys uint64, perms MemPerm) error

	// Unmap removes a region from the guest physical address space.
	Unmap(guestPhys, size uint64) error

	// NewVCPU creates a vCPU. The provider requires that a vCPU is created
	// and run on the same OS thread; callers must hold the thread locked
	// for the vCPU's whole lifetime.
	NewVCPU() (VCPU, error)

	// Close destroys the VM object. Idempotent.
	Close() error
}

// VCPU is one virtual CPU owned by a Provider.
type VCPU interface {
	GetReg(r Reg) (uint64, error)
	SetReg(r Reg, v uint64) error
	GetSysReg(r SysReg) (uint64, error)
	SetSysReg(r SysReg, v uint64) error

	// Run executes the vCPU until it traps. It is the only blocking entry
	// point; no other goroutine may touch this vCPU while Run is active.
	Run() (ExitInfo, error)

	// Close destroys the vCPU. Must be called on the creating thread.
	Close() error
}
