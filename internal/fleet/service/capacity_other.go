//go:build !linux

package service

func hostCapacity() (HostCapacity, error) {
	return HostCapacity{CPUs: numCPU(), MemoryAvailable: -1}, nil
}
