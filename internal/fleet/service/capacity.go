package service

import (
	"runtime"

	appErr "egressfleet/pkg/errors"

	units "github.com/docker/go-units"
)

// HostCapacity is what the host can still give to new instances. A negative
// MemoryAvailable means unknown.
type HostCapacity struct {
	CPUs            int
	MemoryAvailable int64
}

// checkCapacity refuses a new instance when the host is below the configured
// CPU count or cannot fit the instance memory limit plus the reserve.
func (s *Service) checkCapacity() error {
	if s.minCPUs <= 0 && s.memoryReserve <= 0 {
		return nil
	}
	c, err := s.capacity()
	if err != nil {
		return appErr.Wrapf(err, appErr.InsufficientResources, "read host capacity")
	}
	if s.minCPUs > 0 && c.CPUs < s.minCPUs {
		return appErr.Newf(appErr.InsufficientResources, "host has %d CPUs, need %d", c.CPUs, s.minCPUs).
			WithDetail("cpus", c.CPUs)
	}
	need := s.limits.MemoryBytes + s.memoryReserve
	if s.memoryReserve > 0 && c.MemoryAvailable >= 0 && c.MemoryAvailable < need {
		return appErr.Newf(appErr.InsufficientResources, "host has %s available, need %s",
			units.BytesSize(float64(c.MemoryAvailable)), units.BytesSize(float64(need))).
			WithDetail("memory_available", c.MemoryAvailable)
	}
	return nil
}

func numCPU() int {
	return runtime.NumCPU()
}
