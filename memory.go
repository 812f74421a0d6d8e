package vmm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// GuestMemory is a host-owned buffer mapped into a VM's guest-physical
// address space at base 0. The region is contiguous and flat: no holes, no
// sharing between VMs. After the guest image is loaded the host never writes
// to it, so concurrent reads from vCPU threads need no lock.
type GuestMemory struct {
	buf    []byte
	mapped bool
}

// AllocGuestMemory reserves a zero-initialized, page-aligned host buffer of
// exactly size bytes. Size must be a whole number of pages.
func AllocGuestMemory(size int) (*GuestMemory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("vmm: guest memory size must be positive, got %d", size)
	}
	page := unix.Getpagesize()
	if size%page != 0 {
		return nil, fmt.Errorf("vmm: guest memory size %d is not a multiple of the page size (%d)", size, page)
	}
	// mmap rather than make: the provider needs a page-aligned base and the
	// buffer must not move while mapped into the guest.
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vmm: failed to allocate %d bytes of guest memory: %w", size, err)
	}
	return &GuestMemory{buf: buf}, nil
}

// Size returns the region size in bytes.
func (g *GuestMemory) Size() uint64 { return uint64(len(g.buf)) }

// MapInto registers the buffer with the provider at guest-physical base 0.
func (g *GuestMemory) MapInto(p Provider, perms MemPerm) error {
	if g.mapped {
		return fmt.Errorf("vmm: memory region already mapped")
	}
	if err := p.Map(g.buf, 0, perms); err != nil {
		return err
	}
	g.mapped = true
	return nil
}

// UnmapFrom reverses MapInto. It is a no-op if the region is not mapped, so
// teardown can call it unconditionally.
func (g *GuestMemory) UnmapFrom(p Provider) error {
	if !g.mapped {
		return nil
	}
	g.mapped = false
	return p.Unmap(0, g.Size())
}

// Write copies b into the region at offset.
func (g *GuestMemory) Write(offset uint64, b []byte) error {
	if offset > g.Size() || uint64(len(b)) > g.Size()-offset {
		return fmt.Errorf("%w: write of %d bytes at %#x (region size %#x)", ErrOutOfBounds, len(b), offset, g.Size())
	}
	copy(g.buf[offset:], b)
	return nil
}

// ReadCString returns the bytes from offset up to (not including) the first
// NUL byte. The scan never reads past the end of the region: an unterminated
// string is a guest bug, not a host crash, and yields the bytes up to the
// region end.
func (g *GuestMemory) ReadCString(offset uint64) ([]byte, error) {
	if offset >= g.Size() {
		return nil, fmt.Errorf("%w: string read at %#x (region size %#x)", ErrOutOfBounds, offset, g.Size())
	}
	end := offset
	for end < g.Size() && g.buf[end] != 0 {
		end++
	}
	return g.buf[offset:end], nil
}

// Free releases the host buffer. The region must be unmapped first.
func (g *GuestMemory) Free() error {
	if g.buf == nil {
		return nil
	}
	if g.mapped {
		return fmt.Errorf("vmm: cannot free guest memory while mapped")
	}
	buf := g.buf
	g.buf = nil
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("vmm: failed to release guest memory: %w", err)
	}
	return nil
}
