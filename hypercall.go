package vmm

import "fmt"

// Hypercall numbers: the guest-visible software interface. The guest issues
// HVC with the call number in X0 and the argument in X1.
const (
	HypercallExit    = 0 // stop this vCPU cleanly
	HypercallPutChar = 1 // print the low byte of X1
	HypercallPuts    = 2 // print the NUL-terminated string at offset X1
)

// handleHypercall decodes and performs the host-side effect of a hypercall.
// Register reads after a confirmed trap are expected to succeed; if one
// fails anyway the call is logged and dropped rather than killing the vCPU,
// since the failure indicates a provider inconsistency, not a guest fault.
func (m *Machine) handleHypercall(eng *vcpuEngine) (Disposition, error) {
	num, err := eng.cpu.GetReg(RegX0)
	if err != nil {
		m.metrics.regReadErrors.Add(1)
		eng.log.WithError(err).Error("hypercall number read failed, ignoring call")
		return Continue, nil
	}
	arg, err := eng.cpu.GetReg(RegX1)
	if err != nil {
		m.metrics.regReadErrors.Add(1)
		eng.log.WithError(err).Error("hypercall argument read failed, ignoring call")
		return Continue, nil
	}
	m.metrics.hypercalls.Add(1)

	switch num {
	case HypercallExit:
		eng.log.Info("guest requested exit")
		return Halt, nil

	case HypercallPutChar:
		m.outMu.Lock()
		m.console.Write([]byte{byte(arg)})
		m.outMu.Unlock()
		return Continue, nil

	case HypercallPuts:
		if arg >= m.mem.Size() {
			// A guest bug must not crash the host: ignore the call.
			m.metrics.badPuts.Add(1)
			eng.log.WithField("offset", hex(arg)).Debug("puts offset out of bounds, ignoring")
			return Continue, nil
		}
		s, err := m.mem.ReadCString(arg)
		if err != nil {
			m.metrics.badPuts.Add(1)
			return Continue, nil
		}
		// One lock for the whole string so output from concurrent vCPUs
		// of this VM is never interleaved mid-string.
		m.outMu.Lock()
		m.console.Write(s)
		m.outMu.Unlock()
		return Continue, nil

	default:
		m.metrics.unknownHypercalls.Add(1)
		eng.log.WithFields(map[string]any{
			"num": num,
			"pc":  hex(eng.pcForDiagnostics()),
		}).Warn("unknown hypercall")
		return Continue, nil
	}
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }
