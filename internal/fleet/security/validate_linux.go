//go:build linux && cgo

package security

import (
	"fmt"

	"github.com/seccomp/libseccomp-golang"
)

// validateSyscalls rejects names libseccomp does not know.
func validateSyscalls(names []string) error {
	for _, name := range names {
		if _, err := seccomp.GetSyscallFromName(name); err != nil {
			return fmt.Errorf("unknown syscall %s: %w", name, err)
		}
	}
	return nil
}
