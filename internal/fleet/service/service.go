// Package service orchestrates instance provisioning and lifecycle on top of
// the allocator, network, security, sandbox and proxy components.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"egressfleet/internal/fleet/allocator"
	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/registry"
	"egressfleet/internal/fleet/sandbox"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

const (
	defaultPoolSize         = 8
	defaultAcquireTimeout   = 2 * time.Second
	defaultOperationTimeout = 3 * time.Minute
	defaultRollbackTimeout  = time.Minute
	defaultSuperviseEvery   = 30 * time.Second
	defaultIDPrefix         = "worker-"
)

// Network provisions per-instance network isolation.
type Network interface {
	Provision(ctx context.Context, alloc model.Allocation, endpoint model.ProxyEndpoint) (model.NetworkRecord, error)
	Teardown(ctx context.Context, record model.NetworkRecord) error
}

// Security applies and revokes per-instance security profiles.
type Security interface {
	Apply(ctx context.Context, id string, limits model.ResourceLimits) (model.SecurityProfile, error)
	Revoke(ctx context.Context, id string) error
}

// Sandboxes drives the container runtime.
type Sandboxes interface {
	Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (model.SandboxStatus, error)
	Stats(ctx context.Context, id string) (model.SandboxStats, error)
	StopTimeout() time.Duration
}

// Proxies selects, validates and rotates egress endpoints.
type Proxies interface {
	Claim(ctx context.Context, id string) (model.ProxyEndpoint, error)
	ReleaseClaim(key, id string)
	Get(key string) (model.ProxyEndpoint, bool)
	Snapshot() []model.ProxyEndpoint
	Rotate(ctx context.Context, id string, preferred *model.ProxyEndpoint) (*model.Instance, error)
	Run(ctx context.Context)
}

// Records loads persisted instance records at startup.
type Records interface {
	List(ctx context.Context) ([]*model.Instance, error)
}

// Config holds service dependencies and settings.
type Config struct {
	Registry  *registry.Registry
	Allocator *allocator.Allocator
	Network   Network
	Security  Security
	Sandboxes Sandboxes
	Proxies   Proxies
	Records   Records

	Image            string
	Limits           model.ResourceLimits
	IDPrefix         string
	PoolSize         int
	AcquireTimeout   time.Duration
	OperationTimeout time.Duration
	RollbackTimeout  time.Duration
	SuperviseEvery   time.Duration
	AutoRestart      bool
	AutoRotate       bool

	// MinCPUs and MemoryReserve gate Create on host capacity; zero
	// disables the respective check.
	MinCPUs       int
	MemoryReserve int64
	// Capacity reports host CPUs and available memory; nil uses the host.
	Capacity func() (HostCapacity, error)
}

// Service is the fleet orchestrator.
type Service struct {
	registry  *registry.Registry
	allocator *allocator.Allocator
	network   Network
	security  Security
	sandboxes Sandboxes
	proxies   Proxies
	records   Records

	image            string
	limits           model.ResourceLimits
	idPrefix         string
	poolSize         int
	acquireTimeout   time.Duration
	operationTimeout time.Duration
	rollbackTimeout  time.Duration
	superviseEvery   time.Duration
	autoRestart      bool
	autoRotate       bool
	minCPUs          int
	memoryReserve    int64
	capacity         func() (HostCapacity, error)

	sem   chan struct{}
	calls syncx.LockedCalls
}

// NewService validates dependencies and creates a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("network unit is required")
	}
	if cfg.Security == nil {
		return nil, fmt.Errorf("security applier is required")
	}
	if cfg.Sandboxes == nil {
		return nil, fmt.Errorf("sandbox controller is required")
	}
	if cfg.Proxies == nil {
		return nil, fmt.Errorf("proxy scheduler is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	s := &Service{
		registry:         cfg.Registry,
		allocator:        cfg.Allocator,
		network:          cfg.Network,
		security:         cfg.Security,
		sandboxes:        cfg.Sandboxes,
		proxies:          cfg.Proxies,
		records:          cfg.Records,
		image:            cfg.Image,
		limits:           cfg.Limits,
		idPrefix:         cfg.IDPrefix,
		poolSize:         poolSize,
		acquireTimeout:   cfg.AcquireTimeout,
		operationTimeout: cfg.OperationTimeout,
		rollbackTimeout:  cfg.RollbackTimeout,
		superviseEvery:   cfg.SuperviseEvery,
		autoRestart:      cfg.AutoRestart,
		autoRotate:       cfg.AutoRotate,
		minCPUs:          cfg.MinCPUs,
		memoryReserve:    cfg.MemoryReserve,
		capacity:         cfg.Capacity,
		sem:              make(chan struct{}, poolSize),
		calls:            syncx.NewLockedCalls(),
	}
	if s.capacity == nil {
		s.capacity = hostCapacity
	}
	if s.idPrefix == "" {
		s.idPrefix = defaultIDPrefix
	}
	if s.acquireTimeout <= 0 {
		s.acquireTimeout = defaultAcquireTimeout
	}
	if s.operationTimeout <= 0 {
		s.operationTimeout = defaultOperationTimeout
	}
	if s.rollbackTimeout <= 0 {
		s.rollbackTimeout = defaultRollbackTimeout
	}
	if s.superviseEvery <= 0 {
		s.superviseEvery = defaultSuperviseEvery
	}
	return s, nil
}

type result struct {
	inst *model.Instance
	err  error
}

// submit runs fn on a pooled worker goroutine, serialized with every other
// operation on id, and waits for the result or ctx.
func (s *Service) submit(ctx context.Context, id string, fn func(ctx context.Context) (*model.Instance, error)) (*model.Instance, error) {
	if err := s.acquireSlot(ctx); err != nil {
		return nil, err
	}
	done := make(chan result, 1)
	threading.GoSafe(func() {
		defer s.releaseSlot()
		defer func() {
			if p := recover(); p != nil {
				logger.Error(ctx, "instance operation panicked", zap.Any("panic", p))
				done <- result{err: appErr.Newf(appErr.InternalServerError, "operation on %s panicked", id)}
			}
		}()
		opCtx, cancel := context.WithTimeout(ctx, s.operationTimeout)
		defer cancel()
		value, err := s.calls.Do(id, func() (any, error) {
			return fn(opCtx)
		})
		inst, _ := value.(*model.Instance)
		done <- result{inst: inst, err: err}
	})
	select {
	case r := <-done:
		return r.inst, r.err
	case <-ctx.Done():
		return nil, appErr.Wrapf(ctx.Err(), appErr.Timeout, "operation on %s abandoned", id)
	}
}

func (s *Service) acquireSlot(ctx context.Context) error {
	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.Timeout, "waiting for a worker")
	case <-timer.C:
		return appErr.New(appErr.ServiceUnavailable).WithMessage("worker pool is full")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) newID() string {
	return s.idPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// List returns every tracked instance sorted by id.
func (s *Service) List() []*model.Instance {
	return s.registry.List()
}

// Proxies returns the endpoint pool in queue order.
func (s *Service) Proxies() []model.ProxyEndpoint {
	return s.proxies.Snapshot()
}

// Run starts the proxy health loop and the sandbox supervisor and blocks
// until ctx ends.
func (s *Service) Run(ctx context.Context) {
	threading.GoSafe(func() {
		s.proxies.Run(ctx)
	})
	ticker := time.NewTicker(s.superviseEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Supervise(ctx)
		}
	}
}
