package vmm

// ARM64 exception syndrome (ESR) decoding: the exception class lives in
// bits [31:26] of the 32-bit syndrome.
const (
	esrECShift = 26
	esrECMask  = 0x3f
)

// Exception class values the dispatcher recognizes.
const (
	ecHVC64      = 0x16 // HVC instruction (AArch64)
	ecSMC64      = 0x17 // SMC instruction (AArch64)
	ecSYS64      = 0x18 // MSR/MRS or system instruction
	ecIAbortLow  = 0x20 // instruction abort from a lower EL
	ecDAbortLow  = 0x24 // data abort from a lower EL
)

func esrEC(esr uint64) uint32 {
	return uint32(esr>>esrECShift) & esrECMask
}

// Disposition is the dispatcher's verdict on one exit record.
type Disposition int

const (
	// Continue resumes the vCPU.
	Continue Disposition = iota
	// Halt ends the vCPU's run loop cleanly (guest-initiated exit or
	// cooperative cancellation).
	Halt
	// Fault ends the run loop with an error.
	Fault
)

func (d Disposition) String() string {
	switch d {
	case Continue:
		return "continue"
	case Halt:
		return "halt"
	default:
		return "fault"
	}
}

// handleExit classifies an exit record and routes it. Classification is
// total: every reason the provider can report maps to exactly one
// disposition, so the run loop has no default "ignore" path that could mask
// a real fault. The returned error is non-nil iff the disposition is Fault.
func (m *Machine) handleExit(eng *vcpuEngine, info ExitInfo) (Disposition, error) {
	switch info.Reason {
	case ExitException:
		return m.handleException(eng, info)

	case ExitCanceled:
		// Cooperative shutdown requested from the host side.
		eng.log.Info("vCPU execution canceled")
		return Halt, nil

	case ExitTimer:
		// The virtual timer fired. Timers are not emulated; the exit just
		// must not be mistaken for an error.
		m.metrics.timerExits.Add(1)
		return Continue, nil

	default:
		return Fault, &FaultError{VCPU: eng.index, Kind: FaultUnknownExit, Code: info.Code}
	}
}

func (m *Machine) handleException(eng *vcpuEngine, info ExitInfo) (Disposition, error) {
	ec := esrEC(info.ESR)
	switch ec {
	case ecHVC64:
		// The PC already points past the HVC instruction after the trap;
		// no adjustment is needed, unlike the system-register case.
		return m.handleHypercall(eng)

	case ecSYS64:
		// Deny the system-register access silently but keep running:
		// step the PC past the trapping instruction.
		pc, err := eng.cpu.GetReg(RegPC)
		if err != nil {
			return Fault, &FaultError{VCPU: eng.index, Kind: FaultUnhandledClass, EC: ec}
		}
		eng.log.WithField("pc", hex(pc)).Debug("system register access, skipping")
		if err := eng.cpu.SetReg(RegPC, pc+instrLen); err != nil {
			return Fault, &FaultError{VCPU: eng.index, Kind: FaultUnhandledClass, EC: ec, PC: pc}
		}
		m.metrics.sysRegSkips.Add(1)
		return Continue, nil

	case ecDAbortLow:
		pc := eng.pcForDiagnostics()
		return Fault, &FaultError{VCPU: eng.index, Kind: FaultDataAbort, EC: ec, PC: pc, FAR: info.FAR}

	case ecIAbortLow:
		pc := eng.pcForDiagnostics()
		return Fault, &FaultError{VCPU: eng.index, Kind: FaultInstrAbort, EC: ec, PC: pc}

	default:
		pc := eng.pcForDiagnostics()
		return Fault, &FaultError{VCPU: eng.index, Kind: FaultUnhandledClass, EC: ec, PC: pc}
	}
}
