package vmm

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// The fake provider scripts the trap sequence a vCPU produces, so the
// control plane can be exercised without hardware virtualization. Each
// step describes the register file the provider would present at that trap
// and the exit record it would report.

type fakeStep struct {
	pre  map[Reg]uint64 // registers visible when this trap is handled
	exit ExitInfo
	err  error // returned from Run instead of the exit
}

// hypercallStep scripts an HVC trap with X0/X1 loaded.
func hypercallStep(num, arg uint64) fakeStep {
	return fakeStep{
		pre:  map[Reg]uint64{RegX0: num, RegX1: arg},
		exit: exceptionExit(ecHVC64, 0),
	}
}

func exitStep() fakeStep { return hypercallStep(HypercallExit, 0) }

// exceptionExit builds an exception exit record for the given class.
func exceptionExit(ec uint32, far uint64) ExitInfo {
	return ExitInfo{Reason: ExitException, ESR: uint64(ec) << esrECShift, FAR: far}
}

type fakeVCPU struct {
	mu     sync.Mutex
	regs   map[Reg]uint64
	sys    map[SysReg]uint64
	getErr map[Reg]error // injected read failures

	stepsFor func(index uint64) []fakeStep
	steps    []fakeStep
	n        int
	closed   bool
}

func newFakeVCPU(stepsFor func(index uint64) []fakeStep) *fakeVCPU {
	return &fakeVCPU{
		regs:     make(map[Reg]uint64),
		sys:      make(map[SysReg]uint64),
		stepsFor: stepsFor,
	}
}

func (v *fakeVCPU) GetReg(r Reg) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.getErr[r]; err != nil {
		return 0, err
	}
	return v.regs[r], nil
}

func (v *fakeVCPU) SetReg(r Reg, val uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regs[r] = val
	return nil
}

func (v *fakeVCPU) GetSysReg(r SysReg) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sys[r], nil
}

func (v *fakeVCPU) SetSysReg(r SysReg, val uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sys[r] = val
	return nil
}

func (v *fakeVCPU) Run() (ExitInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.steps == nil {
		// The machine identifies a vCPU by loading its index into X0
		// during reset; the script is selected from it on first entry.
		v.steps = v.stepsFor(v.regs[RegX0])
	}
	if v.n >= len(v.steps) {
		return ExitInfo{}, errors.New("fake: vCPU ran past its script")
	}
	st := v.steps[v.n]
	v.n++
	for r, val := range st.pre {
		v.regs[r] = val
	}
	return st.exit, st.err
}

func (v *fakeVCPU) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	stepsFor func(index uint64) []fakeStep
	vcpuErr  error // injected NewVCPU failure

	maps   int
	unmaps int
	closes int
	vcpus  []*fakeVCPU
}

func (p *fakeProvider) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maps++
	return nil
}

func (p *fakeProvider) Unmap(guestPhys, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unmaps++
	return nil
}

func (p *fakeProvider) NewVCPU() (VCPU, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vcpuErr != nil {
		return nil, p.vcpuErr
	}
	v := newFakeVCPU(p.stepsFor)
	p.vcpus = append(p.vcpus, v)
	return v, nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// newTestMachine builds a Machine on the fake provider with a captured
// console and silenced logs.
func newTestMachine(t *testing.T, vcpus int, p *fakeProvider) (*Machine, *bytes.Buffer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	var out bytes.Buffer
	m, err := NewMachine(Config{
		ID:          "test",
		VCPUs:       vcpus,
		Console:     &out,
		Logger:      logger,
		NewProvider: func() (Provider, error) { return p, nil },
	})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	return m, &out
}

// newTestEngine builds a set-up Machine plus one engine around a scriptless
// fake vCPU, for exercising the dispatcher directly.
func newTestEngine(t *testing.T) (*Machine, *vcpuEngine, *fakeVCPU, *bytes.Buffer) {
	t.Helper()
	m, out := newTestMachine(t, 1, &fakeProvider{})
	if err := m.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() { m.Teardown() })
	cpu := newFakeVCPU(func(uint64) []fakeStep { return nil })
	eng := &vcpuEngine{
		m:   m,
		cpu: cpu,
		log: m.log.WithField("vcpu", 0),
	}
	return m, eng, cpu, out
}
