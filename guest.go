package vmm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Built-in guest programs, assembled from a handful of ARM64 instruction
// encoders instead of duplicated word arrays. Images assume they are loaded
// at DefaultLoadAddr and talk to the host only through the hypercall ABI.

// A64 instruction encoders. Only the few encodings the built-in guests need.
func movz(rd uint32, imm uint16) uint32   { return 0xd2800000 | uint32(imm)<<5 | rd }
func movk16(rd uint32, imm uint16) uint32 { return 0xf2a00000 | uint32(imm)<<5 | rd } // MOVK rd, #imm, LSL #16
func movReg(rd, rm uint32) uint32         { return 0xaa0003e0 | rm<<16 | rd }         // ORR rd, XZR, rm
func addImm(rd, rn, imm uint32) uint32    { return 0x91000000 | imm<<10 | rn<<5 | rd }
func addReg(rd, rn, rm uint32) uint32     { return 0x8b000000 | rm<<16 | rn<<5 | rd }
func subsImm(rd, rn, imm uint32) uint32   { return 0xf1000000 | imm<<10 | rn<<5 | rd }
func cmpImm(rn, imm uint32) uint32        { return subsImm(31, rn, imm) }
func cmpReg(rn, rm uint32) uint32         { return 0xeb00001f | rm<<16 | rn<<5 }
func hvc() uint32                         { return 0xd4000002 } // HVC #0

// Branch offsets are in instructions, relative to the branch itself.
func bCond(cond uint32, off int32) uint32 { return 0x54000000 | (uint32(off)&0x7ffff)<<5 | cond }
func cbz(rt uint32, off int32) uint32     { return 0xb4000000 | (uint32(off)&0x7ffff)<<5 | rt }
func b(off int32) uint32                  { return 0x14000000 | uint32(off)&0x3ffffff }

const (
	condNE = 0x1
	condLT = 0xb
)

// asm accumulates instruction words and resolves branch targets.
type asm struct {
	words []uint32
}

func (a *asm) emit(ws ...uint32) { a.words = append(a.words, ws...) }

// pos returns the index of the next instruction, for branch arithmetic.
func (a *asm) pos() int32 { return int32(len(a.words)) }

// hole reserves a slot for a forward branch; patch fills it in later.
func (a *asm) hole() int32 {
	a.emit(0)
	return a.pos() - 1
}

func (a *asm) patch(at int32, w uint32) { a.words[at] = w }

// putchar emits the three-instruction putchar hypercall sequence.
func (a *asm) putchar(c byte) {
	a.emit(movz(1, uint16(c)), movz(0, HypercallPutChar), hvc())
}

func (a *asm) puts(s string) {
	for i := 0; i < len(s); i++ {
		a.putchar(s[i])
	}
}

// loadAddr materializes a 32-bit address into register rd.
func (a *asm) loadAddr(rd uint32, addr uint64) {
	a.emit(movz(rd, uint16(addr)))
	if hi := uint16(addr >> 16); hi != 0 {
		a.emit(movk16(rd, hi))
	}
}

func (a *asm) bytes() []byte {
	out := make([]byte, 4*len(a.words))
	for i, w := range a.words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

// helloStringOff is where the hello image keeps its greeting, relative to
// the image start. The code before it must stay under this many bytes.
const helloStringOff = 0x200

// helloImage is the original demo guest: print a greeting with the puts
// hypercall, count 0..4 with putchar, then exit.
func helloImage() []byte {
	var a asm

	// puts(greeting)
	a.loadAddr(1, DefaultLoadAddr+helloStringOff)
	a.emit(movz(0, HypercallPuts), hvc())

	// for x19 = 0; x19 < 5; x19++ { putchar('0'+x19); putchar(' ') }
	a.emit(movz(19, 0))
	loop := a.pos()
	a.emit(movz(1, '0'), addReg(1, 1, 19), movz(0, HypercallPutChar), hvc())
	a.putchar(' ')
	a.emit(addImm(19, 19, 1), cmpImm(19, 5))
	a.emit(bCond(condLT, loop-a.pos()))

	a.putchar('\n')
	a.emit(movz(0, HypercallExit), hvc())
	a.emit(b(0)) // should never reach here

	code := a.bytes()
	if len(code) > helloStringOff {
		panic(fmt.Sprintf("vmm: hello guest code overflows string offset: %d bytes", len(code)))
	}
	img := make([]byte, helloStringOff)
	copy(img, code)
	return append(img, "Hello from go-vmm guest!\n\x00"...)
}

// sumImage is the multi-vCPU demo guest. Every vCPU runs the same code with
// its index in X0: vCPU i sums the five values i, i+2, ..., i+8, checks the
// result against the expected 5*i+20, prints a per-vCPU status line, and
// exits.
func sumImage() []byte {
	var a asm

	a.emit(movReg(22, 0)) // x22 = vCPU index
	a.emit(movz(19, 0))   // x19 = sum
	a.emit(movReg(20, 22)) // x20 = next value
	a.emit(movz(21, 5))   // x21 = remaining terms

	loop := a.pos()
	a.emit(addReg(19, 19, 20), addImm(20, 20, 2), subsImm(21, 21, 1))
	a.emit(bCond(condNE, loop-a.pos()))

	// x23 = expected = 20 + 5*index, accumulated without a multiply
	a.emit(movz(23, 20))
	for n := 0; n < 5; n++ {
		a.emit(addReg(23, 23, 22))
	}

	// "v<index>"
	a.putchar('v')
	a.emit(movz(1, '0'), addReg(1, 1, 22), movz(0, HypercallPutChar), hvc())

	a.emit(cmpReg(19, 23))
	toBad := a.hole()
	a.puts(" ok\n")
	toExit := a.hole()
	a.patch(toBad, bCond(condNE, a.pos()-toBad))
	a.puts(" bad\n")
	a.patch(toExit, b(a.pos()-toExit))

	a.emit(movz(0, HypercallExit), hvc())
	a.emit(b(0))
	return a.bytes()
}

var guestImages = map[string]func() []byte{
	"hello": helloImage,
	"sum":   sumImage,
}

// GuestImage returns a built-in guest program by name.
func GuestImage(name string) ([]byte, error) {
	build, ok := guestImages[name]
	if !ok {
		return nil, fmt.Errorf("vmm: unknown guest %q (have %v)", name, GuestNames())
	}
	return build(), nil
}

// MustGuestImage is GuestImage for known-good names; it panics otherwise.
func MustGuestImage(name string) []byte {
	img, err := GuestImage(name)
	if err != nil {
		panic(err)
	}
	return img
}

// GuestNames lists the built-in guests.
func GuestNames() []string {
	names := make([]string, 0, len(guestImages))
	for name := range guestImages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
