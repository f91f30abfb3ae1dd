// Package doctor checks that the host has what the fleet needs: a container
// engine, packet filtering, AppArmor tooling and writable state directories.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/threading"
	"golang.org/x/sys/unix"
)

const defaultCheckTimeout = 10 * time.Second

// Result is the outcome of one check.
type Result struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Check inspects one prerequisite and describes what it found.
type Check struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Run executes checks concurrently and returns their results in order.
func Run(ctx context.Context, checks []Check) []Result {
	results := make([]Result, len(checks))
	group := threading.NewRoutineGroup()
	for i, check := range checks {
		group.RunSafe(func() {
			cctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
			defer cancel()
			detail, err := check.Run(cctx)
			if err != nil {
				results[i] = Result{Name: check.Name, Detail: err.Error()}
				return
			}
			results[i] = Result{Name: check.Name, OK: true, Detail: detail}
		})
	}
	group.Wait()
	// RunSafe recovers panics; a check that panicked left its slot empty.
	for i := range results {
		if results[i].Name == "" {
			results[i] = Result{Name: checks[i].Name, Detail: "check panicked"}
		}
	}
	return results
}

// Healthy reports whether every check passed.
func Healthy(results []Result) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

// Binary checks that path resolves to an executable. With args it also runs
// the binary and reports the first line of its output.
func Binary(name, path string, args ...string) Check {
	return Check{Name: name, Run: func(ctx context.Context) (string, error) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%s not found: %w", path, err)
		}
		if len(args) == 0 {
			return resolved, nil
		}
		out, err := exec.CommandContext(ctx, resolved, args...).CombinedOutput()
		first := firstLine(string(out))
		if err != nil {
			if first != "" {
				return "", fmt.Errorf("%s %s: %s", path, strings.Join(args, " "), first)
			}
			return "", fmt.Errorf("%s %s: %w", path, strings.Join(args, " "), err)
		}
		return first, nil
	}}
}

// Writable checks that dir, or the nearest existing parent it would be
// created under, is writable.
func Writable(name, dir string) Check {
	return Check{Name: name, Run: func(ctx context.Context) (string, error) {
		target := filepath.Clean(dir)
		for {
			if _, err := os.Stat(target); err == nil {
				break
			} else if !errors.Is(err, os.ErrNotExist) {
				return "", err
			}
			parent := filepath.Dir(target)
			if parent == target {
				return "", fmt.Errorf("no existing parent for %s", dir)
			}
			target = parent
		}
		if err := unix.Access(target, unix.W_OK); err != nil {
			return "", fmt.Errorf("%s not writable: %w", target, err)
		}
		return target, nil
	}}
}

// Privileged checks that the process can manage namespaces and routes.
func Privileged() Check {
	return Check{Name: "privileges", Run: func(ctx context.Context) (string, error) {
		if uid := unix.Geteuid(); uid != 0 {
			return "", fmt.Errorf("running as uid %d; network isolation needs root", uid)
		}
		return "root", nil
	}}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}
