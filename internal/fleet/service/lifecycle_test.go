package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/service"
	appErr "egressfleet/pkg/errors"
)

func TestRotateMovesSandboxEgress(t *testing.T) {
	h := newHarness(t, 3)
	before := h.create(t, "w1")
	gateway := before.Network.Gateway()
	if gateway == "" {
		t.Fatalf("instance has no gateway: %+v", before.Network)
	}
	env := h.env(t, before)
	if env["PROXY_URL"] != "socks5://"+gateway {
		t.Fatalf("sandbox must dial the gateway, got PROXY_URL=%s", env["PROXY_URL"])
	}
	if !h.host.HasFilter("--to-destination " + before.Endpoint.Host + ":1080") {
		t.Fatalf("gateway not translated to %s", before.Endpoint.Key())
	}

	after, err := h.svc.Rotate(context.Background(), "w1", nil)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if after.Network.Gateway() != gateway {
		t.Fatalf("gateway moved: %s -> %s", gateway, after.Network.Gateway())
	}
	if got := h.env(t, after)["PROXY_URL"]; got != "socks5://"+gateway {
		t.Fatalf("sandbox env changed to %s", got)
	}
	if !h.host.HasFilter("--to-destination " + after.Endpoint.Host + ":1080") {
		t.Fatalf("gateway not translated to the new endpoint %s", after.Endpoint.Key())
	}
	if h.host.HasFilter("--to-destination " + before.Endpoint.Host + ":1080") {
		t.Fatalf("gateway still translated to the old endpoint %s", before.Endpoint.Key())
	}
}

func TestRotateKeepsDeadSandboxDegraded(t *testing.T) {
	h := newHarness(t, 3)
	inst := h.create(t, "w1")
	h.rt.Kill(inst.SandboxID)
	h.svc.Supervise(context.Background())

	degraded, _ := h.reg.Get("w1")
	if degraded.State != model.StateDegraded || degraded.Degraded != model.DegradedSandbox {
		t.Fatalf("expected sandbox degradation, got %s/%s", degraded.State, degraded.Degraded)
	}

	rotated, err := h.svc.Rotate(context.Background(), "w1", nil)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if rotated.State != model.StateDegraded || rotated.Degraded != model.DegradedSandbox {
		t.Fatalf("rotation must not revive a dead sandbox, got %s/%s", rotated.State, rotated.Degraded)
	}
	if rotated.Endpoint.Key() == inst.Endpoint.Key() {
		t.Fatalf("endpoint did not change")
	}

	restarted, err := h.svc.Restart(context.Background(), "w1")
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if restarted.State != model.StateRunning || restarted.Degraded != "" {
		t.Fatalf("expected running after restart, got %s/%s", restarted.State, restarted.Degraded)
	}
	if restarted.Endpoint.Key() != rotated.Endpoint.Key() {
		t.Fatalf("restart dropped the rotated endpoint")
	}
}

func TestStopKeepsAllocationWhenTeardownFails(t *testing.T) {
	h := newHarness(t, 3)
	inst := h.create(t, "w1")
	h.host.FailNext("DeleteLink", errors.New("operation not permitted"))

	stopped, err := h.svc.Stop(context.Background(), "w1")
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if stopped.State != model.StateStopped || stopped.LastError == "" {
		t.Fatalf("expected stopped with an error note, got %s %q", stopped.State, stopped.LastError)
	}
	if stopped.Network == nil || stopped.Network.Namespace != inst.Network.Namespace {
		t.Fatalf("leftover network not kept on the record: %+v", stopped.Network)
	}
	if h.alloc.InUse() != 1 || h.host.Resources() == 0 {
		t.Fatalf("expected the slot to stay reserved over leftover host state, in use %d", h.alloc.InUse())
	}

	other := h.create(t, "w2")
	if other.Network.Namespace == inst.Network.Namespace || other.Network.TableID == inst.Network.TableID {
		t.Fatalf("leaked slot handed out again: %+v", other.Network.Allocation)
	}
	if err := h.svc.Remove(context.Background(), "w2"); err != nil {
		t.Fatalf("remove w2 failed: %v", err)
	}

	started, err := h.svc.Start(context.Background(), "w1")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if started.State != model.StateRunning || started.Network.Namespace != inst.Network.Namespace {
		t.Fatalf("unexpected start result: %s %+v", started.State, started.Network)
	}
	if err := h.svc.Remove(context.Background(), "w1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	h.assertClean(t)
}

func TestFailedRollbackKeepsLeakedAllocation(t *testing.T) {
	h := newHarness(t, 2)
	h.sec.failNext(appErr.New(appErr.SecurityProfileApplyFailed))
	h.host.FailNext("DeleteLink", errors.New("operation not permitted"))

	if _, err := h.svc.Create(context.Background(), service.CreateRequest{ID: "w1"}); err == nil {
		t.Fatalf("expected create to fail")
	}
	failed, _ := h.reg.Get("w1")
	if failed.State != model.StateFailed {
		t.Fatalf("expected failed, got %s", failed.State)
	}
	if failed.Allocation == nil || failed.Network == nil {
		t.Fatalf("leaked host state not recorded: %+v", failed)
	}
	if h.alloc.InUse() != 1 {
		t.Fatalf("allocation released over leftover host state")
	}

	if err := h.svc.Remove(context.Background(), "w1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	h.assertClean(t)
}

func TestRemoveKeepsRecordWhileNetworkLeaks(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, "w1")
	h.host.FailNext("DeleteLink", errors.New("operation not permitted"), errors.New("operation not permitted"))

	if err := h.svc.Remove(context.Background(), "w1"); !appErr.HasCode(err, appErr.TeardownPartialFailure) {
		t.Fatalf("expected TeardownPartialFailure, got %v", err)
	}
	inst, err := h.reg.Get("w1")
	if err != nil {
		t.Fatalf("record dropped while its network leaks: %v", err)
	}
	if inst.Network == nil || h.alloc.InUse() != 1 {
		t.Fatalf("leftover network not tracked: %+v in use %d", inst.Network, h.alloc.InUse())
	}

	if err := h.svc.Remove(context.Background(), "w1"); err != nil {
		t.Fatalf("second remove failed: %v", err)
	}
	h.assertClean(t)
}

func TestSuperviseSerializesWithRestart(t *testing.T) {
	h := newHarness(t, 2)
	h.create(t, "w1")
	gate, entered := h.sandboxes.holdInspect()

	superviseDone := make(chan struct{})
	go func() {
		h.svc.Supervise(context.Background())
		close(superviseDone)
	}()
	<-entered

	restartDone := make(chan error, 1)
	go func() {
		_, err := h.svc.Restart(context.Background(), "w1")
		restartDone <- err
	}()
	select {
	case err := <-restartDone:
		t.Fatalf("restart ran while the sandbox check held the instance: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-superviseDone
	if err := <-restartDone; err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	inst, _ := h.reg.Get("w1")
	if inst.State != model.StateRunning || inst.Degraded != "" {
		t.Fatalf("expected running, got %s/%s (%s)", inst.State, inst.Degraded, inst.LastError)
	}
	status, err := h.rt.Inspect(context.Background(), inst.SandboxID)
	if err != nil || !status.Running {
		t.Fatalf("restarted sandbox not running: %+v %v", status, err)
	}
}

func TestCreateChecksHostCapacity(t *testing.T) {
	cases := []struct {
		name     string
		cpus     int
		memory   int64
		minCPUs  int
		reserve  int64
		rejected bool
	}{
		{name: "enough", cpus: 4, memory: 8 << 30, minCPUs: 2, reserve: 1 << 30},
		{name: "few cpus", cpus: 1, memory: 8 << 30, minCPUs: 2, rejected: true},
		{name: "low memory", cpus: 4, memory: 256 << 20, reserve: 512 << 20, rejected: true},
		{name: "unknown memory", cpus: 4, memory: -1, reserve: 512 << 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1, func(cfg *service.Config) {
				cfg.MinCPUs = tc.minCPUs
				cfg.MemoryReserve = tc.reserve
				cfg.Capacity = func() (service.HostCapacity, error) {
					return service.HostCapacity{CPUs: tc.cpus, MemoryAvailable: tc.memory}, nil
				}
			})
			_, err := h.svc.Create(context.Background(), service.CreateRequest{ID: "w1"})
			if !tc.rejected {
				if err != nil {
					t.Fatalf("create failed: %v", err)
				}
				return
			}
			if !appErr.HasCode(err, appErr.InsufficientResources) {
				t.Fatalf("expected InsufficientResources, got %v", err)
			}
			h.assertClean(t)
			if err := h.svc.Remove(context.Background(), "w1"); err != nil {
				t.Fatalf("remove failed: %v", err)
			}
		})
	}
}

func TestFleetWideOperations(t *testing.T) {
	h := newHarness(t, 6)
	before := make(map[string]string)
	for _, id := range []string{"w1", "w2", "w3"} {
		before[id] = h.create(t, id).Endpoint.Key()
	}

	rotated := h.svc.RotateAll(context.Background())
	if len(rotated) != 3 {
		t.Fatalf("expected 3 rotate results, got %d", len(rotated))
	}
	seen := make(map[string]bool)
	for _, r := range rotated {
		if r.Err != nil {
			t.Fatalf("rotate %s failed: %v", r.ID, r.Err)
		}
		key := r.Instance.Endpoint.Key()
		if key == before[r.ID] || seen[key] {
			t.Fatalf("rotate %s gave %s", r.ID, key)
		}
		seen[key] = true
	}

	stopped := h.svc.StopAll(context.Background())
	if len(stopped) != 3 {
		t.Fatalf("expected 3 stop results, got %d", len(stopped))
	}
	for _, r := range stopped {
		if r.Err != nil || r.Instance.State != model.StateStopped {
			t.Fatalf("stop %s: %v", r.ID, r.Err)
		}
	}
	if h.rt.Count() != 0 || h.host.Resources() != 0 {
		t.Fatalf("stop all left sandboxes or host state")
	}

	cleaned := h.svc.Cleanup(context.Background())
	if len(cleaned) != 3 {
		t.Fatalf("expected 3 cleanup results, got %d", len(cleaned))
	}
	for _, r := range cleaned {
		if r.Err != nil {
			t.Fatalf("cleanup %s failed: %v", r.ID, r.Err)
		}
	}
	if len(h.svc.List()) != 0 {
		t.Fatalf("cleanup left instances")
	}
	h.assertClean(t)
}
