package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"egressfleet/internal/fleet/doctor"
)

func checkNames(checks []doctor.Check) []string {
	names := make([]string, 0, len(checks))
	for _, c := range checks {
		names = append(names, c.Name)
	}
	return names
}

func TestDoctorChecksFollowDrivers(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, "fleet:\n  image: w\nsecurity:\n  enableAppArmor: true\n  apparmorDir: /etc/apparmor.d\n"))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	got := strings.Join(checkNames(doctorChecks(cfg)), ",")
	want := "runtime,iptables,privileges,apparmor,apparmor dir,store dir"
	if got != want {
		t.Fatalf("expected checks %s, got %s", want, got)
	}

	cfg, err = loadAppConfig(writeConfig(t, "fleet:\n  image: w\nnetwork:\n  driver: memory\nruntime:\n  driver: memory\nstore:\n  backend: none\n"))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if names := checkNames(doctorChecks(cfg)); len(names) != 0 {
		t.Fatalf("in-memory drivers need no host checks, got %v", names)
	}
}

func TestPrintDoctor(t *testing.T) {
	var out bytes.Buffer
	ok := printDoctor(context.Background(), &out, []doctor.Check{
		{Name: "runtime", Run: func(ctx context.Context) (string, error) { return "podman version 5.0.1", nil }},
		{Name: "iptables", Run: func(ctx context.Context) (string, error) { return "", errors.New("iptables not found") }},
	})
	if ok {
		t.Fatalf("expected failure")
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "ok") || !strings.Contains(lines[1], "FAIL") {
		t.Fatalf("unexpected report:\n%s", out.String())
	}
}
