package security_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/security"
	appErr "egressfleet/pkg/errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type fakeLoader struct {
	loaded    map[string]bool
	loadErr   error
	unloadErr error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{loaded: make(map[string]bool)}
}

func (f *fakeLoader) Load(ctx context.Context, path string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded[path] = true
	return nil
}

func (f *fakeLoader) Unload(ctx context.Context, path string) error {
	if f.unloadErr != nil {
		return f.unloadErr
	}
	delete(f.loaded, path)
	return nil
}

func newApplier(t *testing.T, loader *fakeLoader, apparmor bool) (*security.Applier, security.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := security.Config{
		ProfileDir:     filepath.Join(dir, "profiles"),
		AppArmorDir:    filepath.Join(dir, "apparmor"),
		WorkDir:        filepath.Join(dir, "work"),
		EnableAppArmor: apparmor,
	}
	return security.NewApplier(cfg, model.ResourceLimits{}, loader), cfg
}

func TestApplyWritesProfiles(t *testing.T) {
	loader := newFakeLoader()
	applier, cfg := newApplier(t, loader, true)

	profile, err := applier.Apply(context.Background(), "w-1", model.ResourceLimits{MemoryBytes: 1 << 30})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if profile.Limits.MemoryBytes != 1<<30 || profile.Limits.CPUShares != security.DefaultCPUShares {
		t.Fatalf("unexpected composed limits: %+v", profile.Limits)
	}

	data, err := os.ReadFile(profile.SeccompPath)
	if err != nil {
		t.Fatalf("read seccomp profile failed: %v", err)
	}
	var seccomp specs.LinuxSeccomp
	if err := json.Unmarshal(data, &seccomp); err != nil {
		t.Fatalf("decode seccomp profile failed: %v", err)
	}
	if seccomp.DefaultAction != specs.ActErrno {
		t.Fatalf("unexpected default action: %s", seccomp.DefaultAction)
	}
	allowed := strings.Join(seccomp.Syscalls[0].Names, ",")
	for _, name := range []string{"connect", "read", "execve"} {
		if !strings.Contains(allowed, name) {
			t.Fatalf("expected %s in allow list", name)
		}
	}
	for _, name := range []string{"mount", "ptrace", "bpf", "setns", "unshare", "clone", "clone3"} {
		for _, got := range seccomp.Syscalls[0].Names {
			if got == name {
				t.Fatalf("%s must not be allowed", name)
			}
		}
	}

	if len(seccomp.Syscalls) != 3 {
		t.Fatalf("expected allow, clone and clone3 rules, got %d", len(seccomp.Syscalls))
	}
	clone := seccomp.Syscalls[1]
	if clone.Names[0] != "clone" || clone.Action != specs.ActAllow || len(clone.Args) != 1 {
		t.Fatalf("unexpected clone rule: %+v", clone)
	}
	// Any namespace flag must make the masked compare fail.
	arg := clone.Args[0]
	if arg.Op != specs.OpMaskedEqual || arg.ValueTwo != 0 || arg.Index != 0 {
		t.Fatalf("unexpected clone filter: %+v", arg)
	}
	const cloneNewUser, cloneNewNet, cloneNewNS = 0x10000000, 0x40000000, 0x00020000
	for _, flag := range []uint64{cloneNewUser, cloneNewNet, cloneNewNS} {
		if arg.Value&flag == 0 {
			t.Fatalf("clone filter lets flag %#x through", flag)
		}
	}
	clone3 := seccomp.Syscalls[2]
	if clone3.Names[0] != "clone3" || clone3.Action != specs.ActErrno || clone3.ErrnoRet == nil || *clone3.ErrnoRet != 38 {
		t.Fatalf("clone3 must fail with ENOSYS: %+v", clone3)
	}

	if profile.AppArmorName != "egressfleet-w-1" {
		t.Fatalf("unexpected apparmor name: %s", profile.AppArmorName)
	}
	if !loader.loaded[profile.AppArmorPath] {
		t.Fatalf("expected apparmor profile loaded")
	}
	if !strings.Contains(profile.AppArmorText, "deny mount") ||
		!strings.Contains(profile.AppArmorText, filepath.Join(cfg.WorkDir, "w-1")) {
		t.Fatalf("unexpected apparmor text:\n%s", profile.AppArmorText)
	}
}

func TestApplyLoadFailureReverts(t *testing.T) {
	loader := newFakeLoader()
	loader.loadErr = errors.New("apparmor_parser: permission denied")
	applier, cfg := newApplier(t, loader, true)

	_, err := applier.Apply(context.Background(), "w-1", model.ResourceLimits{})
	if !appErr.Is(err, appErr.SecurityProfileApplyFailed) {
		t.Fatalf("expected SecurityProfileApplyFailed, got %v", err)
	}
	for _, dir := range []string{cfg.ProfileDir, cfg.AppArmorDir} {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("expected %s to be empty after revert, got %d entries", dir, len(entries))
		}
	}
}

func TestApplyRejectsDeniedExtraSyscall(t *testing.T) {
	dir := t.TempDir()
	applier := security.NewApplier(security.Config{
		ProfileDir:    dir,
		ExtraSyscalls: []string{"ptrace"},
	}, model.ResourceLimits{}, newFakeLoader())
	_, err := applier.Apply(context.Background(), "w-1", model.ResourceLimits{})
	if !appErr.Is(err, appErr.SecurityProfileApplyFailed) {
		t.Fatalf("expected SecurityProfileApplyFailed, got %v", err)
	}
}

func TestAllowListRejectsUnfilteredClone(t *testing.T) {
	for _, name := range []string{"clone", "clone3"} {
		if _, err := security.AllowList([]string{name}); err == nil {
			t.Fatalf("%s must not join the plain allow list", name)
		}
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	loader := newFakeLoader()
	applier, _ := newApplier(t, loader, true)
	profile, err := applier.Apply(context.Background(), "w-1", model.ResourceLimits{})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := applier.Revoke(context.Background(), "w-1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if loader.loaded[profile.AppArmorPath] {
		t.Fatalf("expected apparmor profile unloaded")
	}
	if _, err := os.Stat(profile.SeccompPath); !os.IsNotExist(err) {
		t.Fatalf("expected seccomp profile removed")
	}
	if err := applier.Revoke(context.Background(), "w-1"); err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
}

func TestRevokeAggregatesFailures(t *testing.T) {
	loader := newFakeLoader()
	applier, _ := newApplier(t, loader, true)
	if _, err := applier.Apply(context.Background(), "w-1", model.ResourceLimits{}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	loader.unloadErr = errors.New("unload failed")
	err := applier.Revoke(context.Background(), "w-1")
	if !appErr.Is(err, appErr.TeardownPartialFailure) {
		t.Fatalf("expected TeardownPartialFailure, got %v", err)
	}
}

func TestParseLimits(t *testing.T) {
	cases := []struct {
		name    string
		cpu     string
		memory  string
		pids    int
		want    model.ResourceLimits
		wantErr bool
	}{
		{name: "defaults", want: security.DefaultLimits()},
		{
			name: "half core", cpu: "0.5", memory: "512m", pids: 128,
			want: model.ResourceLimits{CPUShares: 512, CPUPeriod: 100000, CPUQuota: 50000, MemoryBytes: 512 << 20, PidsLimit: 128},
		},
		{
			name: "two cores", cpu: "2", memory: "1G",
			want: model.ResourceLimits{CPUShares: 512, CPUPeriod: 100000, CPUQuota: 200000, MemoryBytes: 1 << 30, PidsLimit: 256},
		},
		{name: "bad cpu", cpu: "fast", wantErr: true},
		{name: "zero cpu", cpu: "0", wantErr: true},
		{name: "bad memory", memory: "lots", wantErr: true},
		{name: "tiny memory", memory: "1k", wantErr: true},
		{name: "negative pids", pids: -1, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := security.ParseLimits(tc.cpu, tc.memory, tc.pids)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected limits: got %+v want %+v", got, tc.want)
			}
		})
	}
}
