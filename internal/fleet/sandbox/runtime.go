// Package sandbox drives the external container runtime.
package sandbox

import (
	"context"
	"errors"
	"time"

	"egressfleet/internal/fleet/model"
)

var (
	// ErrNotFound means the runtime has no such container.
	ErrNotFound = errors.New("no such container")
	// ErrUnavailable means the runtime could not be reached; the call may be retried.
	ErrUnavailable = errors.New("container runtime unavailable")
	// ErrConflict means the container name is already in use.
	ErrConflict = errors.New("container name already in use")
)

// CreateSpec is everything a runtime needs to create one container.
type CreateSpec struct {
	Name            string
	Image           string
	Env             []string
	Labels          map[string]string
	NetNSPath       string
	SeccompPath     string
	AppArmorProfile string
	Limits          model.ResourceLimits
}

// Runtime is the narrow capability set used from the container engine.
type Runtime interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (model.SandboxStatus, error)
	Stats(ctx context.Context, id string) (model.SandboxStats, error)
}
