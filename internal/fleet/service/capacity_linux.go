//go:build linux

package service

import "golang.org/x/sys/unix"

func hostCapacity() (HostCapacity, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return HostCapacity{}, err
	}
	unit := int64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return HostCapacity{
		CPUs:            numCPU(),
		MemoryAvailable: (int64(info.Freeram) + int64(info.Bufferram)) * unit,
	}, nil
}
