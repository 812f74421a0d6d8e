package hvf

import "fmt"

// Hypervisor.framework hv_return_t constants for ARM64.
const (
	HV_SUCCESS             uint32 = 0x00000000
	HV_ERROR               uint32 = 0xFAE94001
	HV_BUSY                uint32 = 0xFAE94002
	HV_BAD_ARGUMENT        uint32 = 0xFAE94003
	HV_ILLEGAL_GUEST_STATE uint32 = 0xFAE94004
	HV_NO_RESOURCES        uint32 = 0xFAE94005
	HV_NO_DEVICE           uint32 = 0xFAE94006
	HV_DENIED              uint32 = 0xFAE94007
	HV_EXISTS              uint32 = 0xFAE94008
	HV_UNSUPPORTED         uint32 = 0xFAE9400F
)

// HVError wraps an hv_return_t error code.
// Code stores the raw 32-bit hv_return_t value (often 0xFAE940xx).
type HVError struct {
	Code    uint32
	message string // optional custom message for specific errors
}

func (e HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	switch e.Code {
	case HV_SUCCESS:
		return "hvf: success"
	case HV_ERROR:
		return "hvf: general error (HV_ERROR) - check system requirements and API usage"
	case HV_BUSY:
		return "hvf: resource busy (HV_BUSY) - another operation is in progress"
	case HV_BAD_ARGUMENT:
		return "hvf: invalid argument (HV_BAD_ARGUMENT) - check parameter values and alignment"
	case HV_ILLEGAL_GUEST_STATE:
		return "hvf: illegal guest state (HV_ILLEGAL_GUEST_STATE) - guest CPU state is invalid"
	case HV_NO_RESOURCES:
		return "hvf: insufficient resources (HV_NO_RESOURCES) - system memory or limits exceeded"
	case HV_NO_DEVICE:
		return "hvf: device not found (HV_NO_DEVICE) - hardware virtualization unavailable"
	case HV_DENIED:
		return "hvf: access denied (HV_DENIED) - missing entitlement 'com.apple.security.hypervisor' or insufficient privileges"
	case HV_EXISTS:
		return "hvf: resource exists (HV_EXISTS) - VM or vCPU already created"
	case HV_UNSUPPORTED:
		return "hvf: operation unsupported (HV_UNSUPPORTED) - feature not available on this hardware/OS"
	default:
		return fmt.Sprintf("hvf: unknown error code 0x%08x - consult Apple Hypervisor.framework documentation", e.Code)
	}
}

func hvErr(code uint32) error {
	if code == HV_SUCCESS {
		return nil
	}
	return HVError{Code: code}
}

// Common specific errors for API consumers.
var (
	ErrVMClosed        = &HVError{Code: HV_ERROR, message: "hvf: VM is closed"}
	ErrVCPUClosed      = &HVError{Code: HV_ERROR, message: "hvf: VCPU is closed"}
	ErrInvalidRegister = &HVError{Code: HV_BAD_ARGUMENT, message: "hvf: invalid register"}
	ErrVMAlreadyActive = &HVError{Code: HV_BUSY, message: "hvf: VM already active in this process"}
)
