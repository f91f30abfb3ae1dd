package doctor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"egressfleet/internal/fleet/doctor"
)

func TestRunKeepsOrderAndReportsFailures(t *testing.T) {
	checks := []doctor.Check{
		{Name: "first", Run: func(ctx context.Context) (string, error) { return "fine", nil }},
		{Name: "second", Run: func(ctx context.Context) (string, error) { return "", errors.New("missing") }},
		{Name: "third", Run: func(ctx context.Context) (string, error) { panic("boom") }},
	}
	results := doctor.Run(context.Background(), checks)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Name != "first" || !results[0].OK || results[0].Detail != "fine" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if results[1].Name != "second" || results[1].OK || results[1].Detail != "missing" {
		t.Fatalf("unexpected second result: %+v", results[1])
	}
	if results[2].Name != "third" || results[2].OK {
		t.Fatalf("panicking check must fail: %+v", results[2])
	}
	if doctor.Healthy(results) {
		t.Fatalf("expected unhealthy")
	}
	if !doctor.Healthy(results[:1]) {
		t.Fatalf("expected healthy")
	}
}

func TestBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	dir := t.TempDir()
	engine := filepath.Join(dir, "engine")
	script := "#!/bin/sh\necho \"engine version 5.0.1\"\necho extra\n"
	if err := os.WriteFile(engine, []byte(script), 0o755); err != nil {
		t.Fatalf("write engine failed: %v", err)
	}
	results := doctor.Run(context.Background(), []doctor.Check{
		doctor.Binary("runtime", engine, "version"),
		doctor.Binary("lookup only", engine),
		doctor.Binary("missing", filepath.Join(dir, "nope")),
	})
	if !results[0].OK || results[0].Detail != "engine version 5.0.1" {
		t.Fatalf("unexpected version result: %+v", results[0])
	}
	if !results[1].OK || results[1].Detail != engine {
		t.Fatalf("unexpected lookup result: %+v", results[1])
	}
	if results[2].OK {
		t.Fatalf("missing binary must fail: %+v", results[2])
	}
}

func TestWritableWalksToExistingParent(t *testing.T) {
	dir := t.TempDir()
	results := doctor.Run(context.Background(), []doctor.Check{
		doctor.Writable("profiles", filepath.Join(dir, "not", "yet", "created")),
	})
	if !results[0].OK || results[0].Detail != dir {
		t.Fatalf("expected the temp dir to be checked, got %+v", results[0])
	}
}
