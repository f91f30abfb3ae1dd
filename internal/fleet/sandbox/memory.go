package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"egressfleet/internal/fleet/model"
)

type memoryContainer struct {
	spec     CreateSpec
	running  bool
	exitCode int
	status   string
}

// MemoryRuntime keeps containers in memory. It backs the "memory" runtime
// driver for dry runs.
type MemoryRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*memoryContainer
	names      map[string]string
	failures   map[string][]error
}

// NewMemoryRuntime creates an empty runtime.
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{
		containers: make(map[string]*memoryContainer),
		names:      make(map[string]string),
		failures:   make(map[string][]error),
	}
}

// FailNext queues errors for the next calls of op ("Create", "Start", ...).
func (m *MemoryRuntime) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Kill marks a container as exited, the way an external kill would.
func (m *MemoryRuntime) Kill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.running = false
		c.exitCode = 137
		c.status = "exited"
	}
}

// Count returns the number of containers that exist.
func (m *MemoryRuntime) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// Spec returns the create spec of a container.
func (m *MemoryRuntime) Spec(id string) (CreateSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return CreateSpec{}, false
	}
	return c.spec, true
}

func (m *MemoryRuntime) fail(op string) error {
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *MemoryRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Create"); err != nil {
		return "", err
	}
	if _, ok := m.names[spec.Name]; ok {
		return "", fmt.Errorf("create %s: %w", spec.Name, ErrConflict)
	}
	m.seq++
	id := fmt.Sprintf("mem%012d", m.seq)
	m.containers[id] = &memoryContainer{spec: spec, status: "created"}
	m.names[spec.Name] = id
	return id, nil
}

func (m *MemoryRuntime) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Start"); err != nil {
		return err
	}
	c, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrNotFound)
	}
	c.running = true
	c.exitCode = 0
	c.status = "running"
	return nil
}

func (m *MemoryRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Stop"); err != nil {
		return err
	}
	c, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	if c.running {
		c.running = false
		c.exitCode = 0
		c.status = "exited"
	}
	return nil
}

func (m *MemoryRuntime) Remove(ctx context.Context, id string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Remove"); err != nil {
		return err
	}
	c, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	if c.running && !force {
		return fmt.Errorf("remove %s: container is running", id)
	}
	for name, cid := range m.names {
		if cid == id || name == id {
			delete(m.names, name)
			delete(m.containers, cid)
		}
	}
	return nil
}

func (m *MemoryRuntime) Inspect(ctx context.Context, id string) (model.SandboxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Inspect"); err != nil {
		return model.SandboxStatus{}, err
	}
	c, ok := m.lookup(id)
	if !ok {
		return model.SandboxStatus{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	return model.SandboxStatus{ID: m.names[c.spec.Name], Running: c.running, ExitCode: c.exitCode, Status: c.status}, nil
}

func (m *MemoryRuntime) Stats(ctx context.Context, id string) (model.SandboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Stats"); err != nil {
		return model.SandboxStats{}, err
	}
	c, ok := m.lookup(id)
	if !ok {
		return model.SandboxStats{}, fmt.Errorf("stats %s: %w", id, ErrNotFound)
	}
	stats := model.SandboxStats{MemoryLimit: c.spec.Limits.MemoryBytes}
	if c.running {
		stats.MemoryUsage = 16 << 20
	}
	return stats, nil
}

// lookup accepts a container id or name.
func (m *MemoryRuntime) lookup(ref string) (*memoryContainer, bool) {
	if c, ok := m.containers[ref]; ok {
		return c, true
	}
	if id, ok := m.names[ref]; ok {
		return m.containers[id], true
	}
	return nil, false
}
