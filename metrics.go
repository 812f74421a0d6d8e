package vmm

import "sync/atomic"

// machineMetrics counts operations for one Machine. Counters are owned by
// the machine instance, not the process, so concurrent VMs in tests (and
// concurrent vCPUs within a VM) never share them.
type machineMetrics struct {
	runs              atomic.Uint64 // provider Run invocations
	hypercalls        atomic.Uint64
	unknownHypercalls atomic.Uint64
	badPuts           atomic.Uint64 // out-of-bounds puts arguments, ignored
	sysRegSkips       atomic.Uint64
	timerExits        atomic.Uint64
	regReadErrors     atomic.Uint64 // post-trap register read failures
}

// Metrics is a point-in-time snapshot of a Machine's operation counters.
type Metrics struct {
	Runs              uint64 `json:"runs"`
	Hypercalls        uint64 `json:"hypercalls"`
	UnknownHypercalls uint64 `json:"unknown_hypercalls"`
	BadPuts           uint64 `json:"bad_puts"`
	SysRegSkips       uint64 `json:"sysreg_skips"`
	TimerExits        uint64 `json:"timer_exits"`
	RegReadErrors     uint64 `json:"reg_read_errors"`
}

// Metrics returns a snapshot of the machine's operation counters.
func (m *Machine) Metrics() Metrics {
	return Metrics{
		Runs:              m.metrics.runs.Load(),
		Hypercalls:        m.metrics.hypercalls.Load(),
		UnknownHypercalls: m.metrics.unknownHypercalls.Load(),
		BadPuts:           m.metrics.badPuts.Load(),
		SysRegSkips:       m.metrics.sysRegSkips.Load(),
		TimerExits:        m.metrics.timerExits.Load(),
		RegReadErrors:     m.metrics.regReadErrors.Load(),
	}
}
