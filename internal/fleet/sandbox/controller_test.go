package sandbox_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/sandbox"
	appErr "egressfleet/pkg/errors"
)

func testSpec(id string) sandbox.Spec {
	return sandbox.Spec{
		InstanceID: id,
		Endpoint:   model.ProxyEndpoint{Scheme: "socks5", Host: "203.0.113.10", Port: 1080, Username: "u", Password: "p"},
		Network: model.NetworkRecord{
			Allocation:  model.Allocation{Namespace: "ef-" + id, HostAddr: "10.203.0.1"},
			GatewayPort: 1080,
			Upstream:    "203.0.113.10:1080",
		},
		Profile: model.SecurityProfile{
			SeccompPath:  "/var/lib/egressfleet/profiles/" + id + ".seccomp.json",
			AppArmorName: "egressfleet-" + id,
			Limits:       model.ResourceLimits{MemoryBytes: 512 << 20},
		},
	}
}

func newController(rt sandbox.Runtime) *sandbox.Controller {
	return sandbox.NewController(rt, sandbox.Config{
		Image:     "worker:latest",
		Env:       map[string]string{"LOG_LEVEL": "info"},
		Retries:   3,
		RetryBase: time.Millisecond,
		RetryMax:  2 * time.Millisecond,
	})
}

func TestCreateBuildsSpec(t *testing.T) {
	rt := sandbox.NewMemoryRuntime()
	ctrl := newController(rt)

	handle, err := ctrl.Create(context.Background(), testSpec("w-1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if handle.Name != "egressfleet-w-1" {
		t.Fatalf("unexpected name: %s", handle.Name)
	}
	spec, ok := rt.Spec(handle.ID)
	if !ok {
		t.Fatalf("container not created")
	}
	env := strings.Join(spec.Env, "\n")
	for _, want := range []string{
		"PROXY_URL=socks5://u:p@10.203.0.1:1080",
		"PROXY_SCHEME=socks5",
		"PROXY_HOST=10.203.0.1",
		"PROXY_PORT=1080",
		"INSTANCE_ID=w-1",
		"TZ=UTC",
		"LOG_LEVEL=info",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("missing env %s in\n%s", want, env)
		}
	}
	if strings.Contains(env, "203.0.113.10") {
		t.Fatalf("sandbox must dial the gateway, not the endpoint:\n%s", env)
	}
	if spec.NetNSPath != "/var/run/netns/ef-w-1" {
		t.Fatalf("unexpected netns path: %s", spec.NetNSPath)
	}
	if spec.Image != "worker:latest" || spec.AppArmorProfile != "egressfleet-w-1" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.Labels[sandbox.LabelInstance] != "w-1" {
		t.Fatalf("unexpected labels: %v", spec.Labels)
	}
}

func TestCreateRetriesUnavailableRuntime(t *testing.T) {
	rt := sandbox.NewMemoryRuntime()
	ctrl := newController(rt)
	unavailable := fmt.Errorf("docker create: %w", sandbox.ErrUnavailable)
	rt.FailNext("Create", unavailable, unavailable)

	if _, err := ctrl.Create(context.Background(), testSpec("w-1")); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}

func TestCreateGivesUpAfterRetries(t *testing.T) {
	rt := sandbox.NewMemoryRuntime()
	ctrl := newController(rt)
	unavailable := fmt.Errorf("docker create: %w", sandbox.ErrUnavailable)
	rt.FailNext("Create", unavailable, unavailable, unavailable)

	_, err := ctrl.Create(context.Background(), testSpec("w-1"))
	if !appErr.Is(err, appErr.RuntimeUnavailable) {
		t.Fatalf("expected RuntimeUnavailable, got %v", err)
	}
	if rt.Count() != 0 {
		t.Fatalf("expected no containers")
	}
}

func TestCreateReplacesStaleContainer(t *testing.T) {
	rt := sandbox.NewMemoryRuntime()
	ctrl := newController(rt)
	first, err := ctrl.Create(context.Background(), testSpec("w-1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	second, err := ctrl.Create(context.Background(), testSpec("w-1"))
	if err != nil {
		t.Fatalf("create over stale container failed: %v", err)
	}
	if first.ID == second.ID || rt.Count() != 1 {
		t.Fatalf("expected stale container replaced, count=%d", rt.Count())
	}
}

func TestStopAndRemoveTolerateMissingContainer(t *testing.T) {
	ctrl := newController(sandbox.NewMemoryRuntime())
	if err := ctrl.Stop(context.Background(), "missing", 0); err != nil {
		t.Fatalf("stop of missing container should succeed: %v", err)
	}
	if err := ctrl.Remove(context.Background(), "missing", true); err != nil {
		t.Fatalf("remove of missing container should succeed: %v", err)
	}
	if err := ctrl.Start(context.Background(), "missing"); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected SandboxNotFound, got %v", err)
	}
}

func TestInspectReflectsLifecycle(t *testing.T) {
	rt := sandbox.NewMemoryRuntime()
	ctrl := newController(rt)
	handle, err := ctrl.Create(context.Background(), testSpec("w-1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ctrl.Start(context.Background(), handle.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	status, err := ctrl.Inspect(context.Background(), handle.ID)
	if err != nil || !status.Running {
		t.Fatalf("expected running, got %+v err=%v", status, err)
	}
	rt.Kill(handle.ID)
	status, err = ctrl.Inspect(context.Background(), handle.ID)
	if err != nil || status.Running || status.ExitCode != 137 {
		t.Fatalf("expected killed container, got %+v err=%v", status, err)
	}
	stats, err := ctrl.Stats(context.Background(), handle.ID)
	if err != nil || stats.MemoryLimit != 512<<20 {
		t.Fatalf("unexpected stats %+v err=%v", stats, err)
	}
}

func TestCreateRequiresImage(t *testing.T) {
	ctrl := sandbox.NewController(sandbox.NewMemoryRuntime(), sandbox.Config{})
	if _, err := ctrl.Create(context.Background(), testSpec("w-1")); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}
