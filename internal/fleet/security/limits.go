package security

import (
	"strconv"
	"strings"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"

	units "github.com/docker/go-units"
)

const (
	DefaultCPUShares   int64 = 512
	DefaultCPUPeriod   int64 = 100000
	DefaultCPUQuota    int64 = 50000
	DefaultMemoryBytes int64 = 512 * units.MiB
	DefaultPidsLimit   int64 = 256

	minMemoryBytes int64 = 6 * units.MiB
)

// DefaultLimits returns the limits applied when nothing is configured.
func DefaultLimits() model.ResourceLimits {
	return model.ResourceLimits{
		CPUShares:   DefaultCPUShares,
		CPUPeriod:   DefaultCPUPeriod,
		CPUQuota:    DefaultCPUQuota,
		MemoryBytes: DefaultMemoryBytes,
		PidsLimit:   DefaultPidsLimit,
	}
}

// ParseLimits builds limits from human input: cpu as a fraction of one core
// ("0.5"), memory with units ("512m", "1G") and a pids cap. Empty values keep
// the defaults.
func ParseLimits(cpu, memory string, pids int) (model.ResourceLimits, error) {
	limits := DefaultLimits()
	if cpu = strings.TrimSpace(cpu); cpu != "" {
		cores, err := strconv.ParseFloat(cpu, 64)
		if err != nil || cores <= 0 {
			return model.ResourceLimits{}, appErr.Newf(appErr.InvalidParams, "invalid cpu limit %q", cpu)
		}
		limits.CPUQuota = int64(cores * float64(limits.CPUPeriod))
	}
	if memory = strings.TrimSpace(memory); memory != "" {
		bytes, err := units.RAMInBytes(memory)
		if err != nil {
			return model.ResourceLimits{}, appErr.Wrapf(err, appErr.InvalidParams, "invalid memory limit %q", memory)
		}
		if bytes < minMemoryBytes {
			return model.ResourceLimits{}, appErr.Newf(appErr.InvalidParams, "memory limit %q is below %s", memory, units.BytesSize(float64(minMemoryBytes)))
		}
		limits.MemoryBytes = bytes
	}
	if pids < 0 {
		return model.ResourceLimits{}, appErr.Newf(appErr.InvalidParams, "invalid pids limit %d", pids)
	}
	if pids > 0 {
		limits.PidsLimit = int64(pids)
	}
	return limits, nil
}

// Compose fills zero fields of override from base.
func Compose(base, override model.ResourceLimits) model.ResourceLimits {
	out := override
	if out.CPUShares <= 0 {
		out.CPUShares = base.CPUShares
	}
	if out.CPUPeriod <= 0 {
		out.CPUPeriod = base.CPUPeriod
	}
	if out.CPUQuota <= 0 {
		out.CPUQuota = base.CPUQuota
	}
	if out.MemoryBytes <= 0 {
		out.MemoryBytes = base.MemoryBytes
	}
	if out.PidsLimit <= 0 {
		out.PidsLimit = base.PidsLimit
	}
	return out
}
