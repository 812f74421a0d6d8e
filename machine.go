package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config describes a new Machine.
type Config struct {
	// ID identifies the VM in logs and results.
	ID string

	// VCPUs is the number of virtual CPUs, 1..MaxVCPUs. Zero means 1.
	VCPUs int

	// MemSize is the guest memory size in bytes. It must be a multiple of
	// the host page size. Zero means DefaultMemSize.
	MemSize int

	// LoadAddr is the guest-physical address the image is loaded at.
	// Zero means DefaultLoadAddr.
	LoadAddr uint64

	// Image is the guest program. It may be empty if the caller loads
	// memory itself between Setup and Run.
	Image []byte

	// Console receives guest output. Defaults to os.Stdout.
	Console io.Writer

	// Logger receives VMM narration. Defaults to the standard logger.
	Logger *logrus.Logger

	// NewProvider creates the hardware-virtualization backend, e.g.
	// hvf.New. Required.
	NewProvider func() (Provider, error)
}

// Machine owns one VM: its provider object, memory region, and vCPU
// engines. It coordinates creation, image loading, run, and teardown.
//
// A Machine's whole lifecycle is confined to one process; the provider
// permits at most one VM per process.
type Machine struct {
	id  string
	cfg Config
	log *logrus.Entry

	prov Provider
	mem  *GuestMemory

	// outMu orders console output across this VM's vCPU threads. It is
	// held only while emitting one character or one complete string,
	// never across a Run call.
	outMu   sync.Mutex
	console io.Writer

	running atomic.Bool
	metrics machineMetrics
}

// NewMachine validates cfg and returns an unstarted Machine.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.VCPUs == 0 {
		cfg.VCPUs = 1
	}
	if cfg.VCPUs < 1 || cfg.VCPUs > MaxVCPUs {
		return nil, fmt.Errorf("vmm: vCPU count %d out of range 1..%d", cfg.VCPUs, MaxVCPUs)
	}
	if cfg.MemSize == 0 {
		cfg.MemSize = DefaultMemSize
	}
	if cfg.LoadAddr == 0 {
		cfg.LoadAddr = DefaultLoadAddr
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.NewProvider == nil {
		return nil, fmt.Errorf("vmm: config has no provider")
	}
	if cfg.ID == "" {
		cfg.ID = "vm"
	}
	return &Machine{
		id:      cfg.ID,
		cfg:     cfg,
		log:     cfg.Logger.WithField("vm", cfg.ID),
		console: cfg.Console,
	}, nil
}

// Running reports whether the machine is between Run entry and exit.
func (m *Machine) Running() bool { return m.running.Load() }

// Setup creates the provider VM object, allocates guest memory, maps it at
// guest-physical 0, and loads the image. On failure everything already
// acquired is released.
func (m *Machine) Setup() (err error) {
	defer func() {
		if err != nil {
			m.Teardown()
		}
	}()

	m.log.Info("creating virtual machine")
	m.prov, err = m.cfg.NewProvider()
	if err != nil {
		return fmt.Errorf("vmm: failed to create VM: %w", err)
	}

	m.mem, err = AllocGuestMemory(m.cfg.MemSize)
	if err != nil {
		return err
	}
	if err = m.mem.MapInto(m.prov, MemRead|MemWrite|MemExec); err != nil {
		return fmt.Errorf("vmm: failed to map guest memory: %w", err)
	}
	m.log.WithField("size", m.cfg.MemSize).Info("mapped guest memory at gpa 0")

	if len(m.cfg.Image) > 0 {
		if err = m.LoadImage(m.cfg.Image, m.cfg.LoadAddr); err != nil {
			return err
		}
	}
	return nil
}

// LoadImage copies a guest program into the memory region at offset.
func (m *Machine) LoadImage(image []byte, offset uint64) error {
	if m.mem == nil {
		return fmt.Errorf("vmm: machine has no memory region")
	}
	if offset > m.mem.Size() || uint64(len(image)) > m.mem.Size()-offset {
		return fmt.Errorf("%w: %d bytes at %#x (region size %#x)",
			ErrImageTooLarge, len(image), offset, m.mem.Size())
	}
	if err := m.mem.Write(offset, image); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"bytes": len(image), "gpa": hex(offset)}).Info("loaded guest image")
	return nil
}

// Run drives every vCPU to a terminal state and returns nil iff all of them
// halted cleanly. Each vCPU is created, run, and destroyed on its own locked
// OS thread, as the provider requires. A fault stops only the faulting
// vCPU's loop; the others run to their own terminal states before Run
// returns.
func (m *Machine) Run() error {
	if m.prov == nil {
		return fmt.Errorf("vmm: machine not set up")
	}
	m.running.Store(true)
	defer m.running.Store(false)

	m.log.WithField("vcpus", m.cfg.VCPUs).Info("starting guest execution")

	if m.cfg.VCPUs == 1 {
		return m.runVCPU(0)
	}
	var g errgroup.Group
	for i := 0; i < m.cfg.VCPUs; i++ {
		i := i
		g.Go(func() error { return m.runVCPU(i) })
	}
	return g.Wait()
}

// Teardown releases everything the machine holds: the memory mapping, the
// host buffer, and the provider VM object, in that order. vCPUs are
// destroyed by their run loops before Run returns. Idempotent, and safe
// after a partial Setup.
func (m *Machine) Teardown() error {
	var errs []error
	if m.mem != nil {
		if m.prov != nil {
			if err := m.mem.UnmapFrom(m.prov); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.mem.Free(); err != nil {
			errs = append(errs, err)
		}
		m.mem = nil
	}
	if m.prov != nil {
		if err := m.prov.Close(); err != nil {
			errs = append(errs, err)
		}
		m.prov = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("vmm: teardown: %w", errors.Join(errs...))
	}
	return nil
}

// Execute runs the full lifecycle: Setup, Run, Teardown. Teardown runs
// unconditionally, even when Setup or Run fail.
func (m *Machine) Execute() error {
	if err := m.Setup(); err != nil {
		return err
	}
	runErr := m.Run()
	if err := m.Teardown(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		m.log.Info("guest completed successfully")
	}
	return runErr
}

// vcpuState tracks the engine's position in its lifecycle. The state is
// written only by the owning thread; reads from elsewhere are diagnostic.
type vcpuState int32

const (
	vcpuCreated vcpuState = iota
	vcpuRunning
	vcpuTrapped
	vcpuHalted
	vcpuFaulted
)

func (s vcpuState) String() string {
	switch s {
	case vcpuCreated:
		return "created"
	case vcpuRunning:
		return "running"
	case vcpuTrapped:
		return "trapped"
	case vcpuHalted:
		return "halted"
	case vcpuFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// vcpuEngine owns one vCPU handle end-to-end on a locked OS thread.
type vcpuEngine struct {
	m     *Machine
	index int
	cpu   VCPU
	state atomic.Int32
	log   *logrus.Entry
}

func (e *vcpuEngine) setState(s vcpuState) { e.state.Store(int32(s)) }

// pcForDiagnostics reads the PC best-effort for fault reports and logs.
func (e *vcpuEngine) pcForDiagnostics() uint64 {
	pc, err := e.cpu.GetReg(RegPC)
	if err != nil {
		return 0
	}
	return pc
}

// runVCPU creates vCPU index on the calling goroutine's thread, runs it to
// a terminal state, and destroys it. Creation and execution must share a
// thread, hence the lock for the whole lifetime.
func (m *Machine) runVCPU(index int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpu, err := m.prov.NewVCPU()
	if err != nil {
		return fmt.Errorf("vmm: vcpu %d: creation failed: %w", index, err)
	}
	eng := &vcpuEngine{
		m:     m,
		index: index,
		cpu:   cpu,
		log:   m.log.WithField("vcpu", index),
	}
	defer func() {
		if cerr := cpu.Close(); cerr != nil {
			eng.log.WithError(cerr).Error("vCPU destroy failed")
		}
	}()

	if err := eng.reset(); err != nil {
		eng.setState(vcpuFaulted)
		return fmt.Errorf("vmm: vcpu %d: setup failed: %w", index, err)
	}
	return eng.loop()
}

// reset puts the vCPU in its boot state: all general-purpose registers
// zeroed, then PC, SP, CPSR, and the identity values the guest ABI expects
// (X0 and MPIDR_EL1 Aff0 carry the vCPU index).
func (e *vcpuEngine) reset() error {
	for r := RegX0; r <= RegX28; r++ {
		if err := e.cpu.SetReg(r, 0); err != nil {
			return err
		}
	}
	entry := e.m.cfg.LoadAddr
	sp := stackPointer(uint64(e.m.cfg.MemSize), e.index)
	if err := e.cpu.SetReg(RegPC, entry); err != nil {
		return err
	}
	if err := e.cpu.SetReg(RegSP, sp); err != nil {
		return err
	}
	if err := e.cpu.SetReg(RegCPSR, cpsrEL1hMasked); err != nil {
		return err
	}
	if err := e.cpu.SetReg(RegX0, uint64(e.index)); err != nil {
		return err
	}
	// MPIDR_EL1: bit 31 is RES1, Aff0 carries the vCPU index.
	if err := e.cpu.SetSysReg(SysRegMPIDREL1, 1<<31|uint64(e.index)); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"pc": hex(entry), "sp": hex(sp)}).Info("vCPU initialized")
	return nil
}

// loop is the sole consumer of the provider's blocking execute primitive
// for this vCPU. It runs until the dispatcher signals termination.
func (e *vcpuEngine) loop() error {
	for {
		e.setState(vcpuRunning)
		e.m.metrics.runs.Add(1)
		info, err := e.cpu.Run()
		if err != nil {
			e.setState(vcpuFaulted)
			return fmt.Errorf("vmm: vcpu %d: run failed: %w", e.index, err)
		}
		e.setState(vcpuTrapped)

		disp, derr := e.m.handleExit(e, info)
		switch disp {
		case Continue:
			// next iteration
		case Halt:
			e.setState(vcpuHalted)
			return nil
		case Fault:
			e.setState(vcpuFaulted)
			e.log.WithError(derr).Error("guest fault")
			return derr
		}
	}
}
