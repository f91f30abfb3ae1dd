package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"egressfleet/internal/fleet/allocator"
	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/netiso"
	"egressfleet/internal/fleet/proxy"
	"egressfleet/internal/fleet/registry"
	"egressfleet/internal/fleet/sandbox"
	"egressfleet/internal/fleet/security"
	"egressfleet/internal/fleet/service"
)

type fakeProber struct {
	mu   sync.Mutex
	down map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, ep model.ProxyEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[ep.Key()] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) setDown(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[key] = true
}

// gatedSecurity wraps the real applier with injectable failures and an
// optional gate that blocks Apply until released or ctx ends.
type gatedSecurity struct {
	inner *security.Applier

	mu      sync.Mutex
	failErr error
	gate    chan struct{}
	entered chan struct{}
}

func (s *gatedSecurity) Apply(ctx context.Context, id string, limits model.ResourceLimits) (model.SecurityProfile, error) {
	s.mu.Lock()
	failErr := s.failErr
	s.failErr = nil
	gate := s.gate
	entered := s.entered
	s.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.SecurityProfile{}, ctx.Err()
		}
	}
	if failErr != nil {
		return model.SecurityProfile{}, failErr
	}
	return s.inner.Apply(ctx, id, limits)
}

func (s *gatedSecurity) Revoke(ctx context.Context, id string) error {
	return s.inner.Revoke(ctx, id)
}

func (s *gatedSecurity) failNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// gatedSandboxes wraps the controller so a test can hold the next Inspect
// until the gate is closed.
type gatedSandboxes struct {
	*sandbox.Controller

	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedSandboxes) Inspect(ctx context.Context, id string) (model.SandboxStatus, error) {
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.gate, g.entered = nil, nil
	g.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.SandboxStatus{}, ctx.Err()
		}
	}
	return g.Controller.Inspect(ctx, id)
}

// holdInspect makes the next Inspect signal entered and wait for gate.
func (g *gatedSandboxes) holdInspect() (gate, entered chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{}, 1)
	return g.gate, g.entered
}

type harness struct {
	svc        *service.Service
	reg        *registry.Registry
	alloc      *allocator.Allocator
	host       *netiso.MemoryHost
	rt         *sandbox.MemoryRuntime
	sandboxes  *gatedSandboxes
	sec        *gatedSecurity
	prober     *fakeProber
	sched      *proxy.Scheduler
	profileDir string
}

type records []*model.Instance

func (r records) List(ctx context.Context) ([]*model.Instance, error) {
	return r, nil
}

func endpoints(n int) []model.ProxyEndpoint {
	out := make([]model.ProxyEndpoint, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.ProxyEndpoint{Scheme: "socks5", Host: "203.0.113." + strconv.Itoa(i), Port: 1080})
	}
	return out
}

func newHarness(t *testing.T, pool int, tweak ...func(*service.Config)) *harness {
	t.Helper()
	reg := registry.New()
	alloc, err := allocator.New(allocator.Config{})
	if err != nil {
		t.Fatalf("new allocator failed: %v", err)
	}
	host := netiso.NewMemoryHost()
	unit := netiso.NewUnit(host, netiso.Config{RetryDelay: time.Millisecond})

	profileDir := filepath.Join(t.TempDir(), "profiles")
	applier := security.NewApplier(security.Config{ProfileDir: profileDir}, model.ResourceLimits{}, nil)
	sec := &gatedSecurity{inner: applier}

	rt := sandbox.NewMemoryRuntime()
	ctrl := sandbox.NewController(rt, sandbox.Config{Image: "worker:latest", Retries: 1, RetryBase: time.Millisecond})
	sandboxes := &gatedSandboxes{Controller: ctrl}

	prober := &fakeProber{down: make(map[string]bool)}
	sched := proxy.NewScheduler(proxy.Config{
		RotateRetries: 3,
		RetryBase:     time.Millisecond,
		RetryMax:      2 * time.Millisecond,
		ProbeRate:     1000,
		ProbeBurst:    100,
	}, endpoints(pool), reg, unit, proxy.WithProber(prober))

	cfg := service.Config{
		Registry:        reg,
		Allocator:       alloc,
		Network:         unit,
		Security:        sec,
		Sandboxes:       sandboxes,
		Proxies:         sched,
		Image:           "worker:latest",
		PoolSize:        16,
		AcquireTimeout:  time.Second,
		RollbackTimeout: 5 * time.Second,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	return &harness{
		svc:        svc,
		reg:        reg,
		alloc:      alloc,
		host:       host,
		rt:         rt,
		sandboxes:  sandboxes,
		sec:        sec,
		prober:     prober,
		sched:      sched,
		profileDir: profileDir,
	}
}

func (h *harness) create(t *testing.T, id string) *model.Instance {
	t.Helper()
	inst, err := h.svc.Create(context.Background(), service.CreateRequest{ID: id})
	if err != nil {
		t.Fatalf("create %s failed: %v", id, err)
	}
	if inst.State != model.StateRunning {
		t.Fatalf("create %s: expected running, got %s", id, inst.State)
	}
	return inst
}

// env returns the environment the sandbox of inst was created with.
func (h *harness) env(t *testing.T, inst *model.Instance) map[string]string {
	t.Helper()
	spec, ok := h.rt.Spec(inst.SandboxID)
	if !ok {
		t.Fatalf("sandbox %s not found", inst.SandboxID)
	}
	out := make(map[string]string, len(spec.Env))
	for _, kv := range spec.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func (h *harness) profiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.profileDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0
		}
		t.Fatalf("read profile dir failed: %v", err)
	}
	return len(entries)
}

// assertClean checks that no host, profile, sandbox or allocation resources
// remain.
func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	if n := h.host.Resources(); n != 0 {
		t.Fatalf("host still holds %d resources: %v", n, h.host.Namespaces())
	}
	if n := h.profiles(t); n != 0 {
		t.Fatalf("%d profile files left", n)
	}
	if n := h.rt.Count(); n != 0 {
		t.Fatalf("%d sandboxes left", n)
	}
	if n := h.alloc.InUse(); n != 0 {
		t.Fatalf("%d allocations left", n)
	}
}
