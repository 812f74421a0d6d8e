package vmm

import (
	"encoding/binary"
	"testing"
)

// Expected words cross-checked against an independent assembler.
func TestInstructionEncoders(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"movz x1, #'H'", movz(1, 'H'), 0xd2800901},
		{"movz x0, #1", movz(0, 1), 0xd2800020},
		{"movk x1, #1, lsl #16", movk16(1, 1), 0xf2a00021},
		{"mov x22, x0", movReg(22, 0), 0xaa0003f6},
		{"add x1, x1, x19", addReg(1, 1, 19), 0x8b130021},
		{"add x19, x19, #1", addImm(19, 19, 1), 0x91000673},
		{"subs x21, x21, #1", subsImm(21, 21, 1), 0xf10006b5},
		{"cmp x19, #5", cmpImm(19, 5), 0xf100167f},
		{"cmp x19, x23", cmpReg(19, 23), 0xeb17027f},
		{"hvc #0", hvc(), 0xd4000002},
		{"b.lt back 9", bCond(condLT, -9), 0x54fffeeb},
		{"b.ne forward 2", bCond(condNE, 2), 0x54000041},
		{"cbz x22, forward 2", cbz(22, 2), 0xb4000056},
		{"b self", b(0), 0x14000000},
		{"b back 2", b(-2), 0x17fffffe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("encoded %#08x, want %#08x", tt.got, tt.want)
			}
		})
	}
}

func TestAsmBranchPatching(t *testing.T) {
	var a asm
	a.emit(movz(0, 1))
	hole := a.hole()
	a.emit(movz(0, 2), movz(0, 3))
	a.patch(hole, b(a.pos()-hole))

	code := a.bytes()
	if len(code) != 16 {
		t.Fatalf("got %d bytes, want 16", len(code))
	}
	// The patched branch at word 1 must jump 3 instructions forward.
	if w := binary.LittleEndian.Uint32(code[4:8]); w != b(3) {
		t.Errorf("patched word = %#08x, want %#08x", w, b(3))
	}
}

func TestHelloImageLayout(t *testing.T) {
	img := MustGuestImage("hello")

	const greeting = "Hello from go-vmm guest!\n\x00"
	if len(img) != helloStringOff+len(greeting) {
		t.Fatalf("image is %d bytes, want %d", len(img), helloStringOff+len(greeting))
	}
	if got := string(img[helloStringOff:]); got != greeting {
		t.Errorf("greeting = %q, want %q", got, greeting)
	}
	if img[len(img)-1] != 0 {
		t.Error("greeting is not NUL-terminated")
	}

	// The image starts by materializing the greeting's guest-physical
	// address into x1 for the puts hypercall.
	addr := uint64(DefaultLoadAddr + helloStringOff)
	if w := binary.LittleEndian.Uint32(img[0:4]); w != movz(1, uint16(addr)) {
		t.Errorf("word 0 = %#08x, want movz x1 with the string address low half", w)
	}
	if w := binary.LittleEndian.Uint32(img[4:8]); w != movk16(1, uint16(addr>>16)) {
		t.Errorf("word 1 = %#08x, want movk x1 with the string address high half", w)
	}
}

func TestSumImageLayout(t *testing.T) {
	img := MustGuestImage("sum")
	if len(img)%4 != 0 {
		t.Fatalf("image length %d is not instruction-aligned", len(img))
	}
	nwords := len(img) / 4

	// No unpatched branch holes may remain.
	for i := 0; i < nwords; i++ {
		if binary.LittleEndian.Uint32(img[4*i:]) == 0 {
			t.Errorf("word %d is zero: unpatched branch hole", i)
		}
	}

	// The image ends with exit(); b . as a trap for runaway execution.
	tail := []uint32{movz(0, HypercallExit), hvc(), b(0)}
	for i, want := range tail {
		off := len(img) - 4*(len(tail)-i)
		if w := binary.LittleEndian.Uint32(img[off:]); w != want {
			t.Errorf("tail word %d = %#08x, want %#08x", i, w, want)
		}
	}
}

func TestGuestImageLookup(t *testing.T) {
	if _, err := GuestImage("nope"); err == nil {
		t.Error("expected error for unknown guest name, got nil")
	}
	for _, name := range GuestNames() {
		img, err := GuestImage(name)
		if err != nil {
			t.Errorf("GuestImage(%q) failed: %v", name, err)
		}
		if len(img) == 0 {
			t.Errorf("GuestImage(%q) is empty", name)
		}
	}
	want := []string{"hello", "sum"}
	got := GuestNames()
	if len(got) != len(want) {
		t.Fatalf("GuestNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GuestNames() = %v, want %v", got, want)
		}
	}
}

func TestMustGuestImagePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustGuestImage did not panic for an unknown name")
		}
	}()
	MustGuestImage("nope")
}

// The built-in guests must fit under the default load address layout.
func TestGuestImagesFitDefaultLayout(t *testing.T) {
	for _, name := range GuestNames() {
		img := MustGuestImage(name)
		end := uint64(DefaultLoadAddr) + uint64(len(img))
		if end > stackPointer(DefaultMemSize, MaxVCPUs-1) {
			t.Errorf("guest %q reaches %#x, into the stack slots", name, end)
		}
	}
}
