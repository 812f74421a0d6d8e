package vmm

// Guest address-space layout. All VMs use the same flat map: code loaded at
// DefaultLoadAddr, per-vCPU stacks carved from the top of memory.
const (
	// DefaultMemSize is the guest memory budget: 1MB is plenty for the
	// built-in guests.
	DefaultMemSize = 1 << 20

	// DefaultLoadAddr is the guest-physical address where images are loaded.
	DefaultLoadAddr = 0x10000

	// MaxVCPUs bounds the per-VM vCPU count; the stack slots for MaxVCPUs
	// must fit below the smallest supported memory size.
	MaxVCPUs = 8

	// stackSlotSize is the per-vCPU stack reservation. Stacks grow down.
	stackSlotSize = 0x1000

	// cpsrEL1hMasked selects EL1 with SP_EL1 (0b0101) and masks DAIF
	// (bits 6..9). The guests run in privileged mode with asynchronous
	// exceptions off.
	cpsrEL1hMasked = 0x3c5

	// instrLen is the fixed ARM64 instruction width, used to step the PC
	// past a trapping instruction.
	instrLen = 4
)

// stackPointer returns the initial SP for a vCPU: slots of stackSlotSize are
// assigned top-down, so vCPU 0 gets memSize-0x1000, vCPU 1 the slot below,
// and so on.
func stackPointer(memSize uint64, cpu int) uint64 {
	return memSize - uint64(cpu+1)*stackSlotSize
}
