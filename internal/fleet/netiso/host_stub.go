//go:build !linux

package netiso

import "fmt"

// NewKernelHost is only available on linux.
func NewKernelHost(iptablesPath string) (Host, error) {
	return nil, fmt.Errorf("kernel network host is only supported on linux")
}
