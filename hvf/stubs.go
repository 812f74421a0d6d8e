//go:build !darwin || !arm64

package hvf

import (
	"fmt"

	"github.com/blacktop/go-vmm"
)

// Supported returns false on non-Darwin platforms.
func Supported() (bool, error) {
	return false, fmt.Errorf("hvf: not supported on this platform")
}

// New returns an error on non-Darwin platforms.
func New() (vmm.Provider, error) {
	return nil, fmt.Errorf("hvf: not supported on this platform")
}
