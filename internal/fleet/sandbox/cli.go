package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"egressfleet/internal/fleet/model"

	units "github.com/docker/go-units"
	"github.com/google/shlex"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultNetworkMode    = "ns:%s"
	inspectFormat         = "{{.Id}}|{{.State.Running}}|{{.State.ExitCode}}|{{.State.Status}}"
	statsFormat           = "{{.CPUPerc}}|{{.MemUsage}}|{{.NetIO}}"
)

const (
	EngineDocker = "docker"
	EnginePodman = "podman"
)

// CLIConfig selects the runtime binary and how it is invoked.
type CLIConfig struct {
	Binary string
	// Engine is docker or podman; empty derives it from the binary name.
	Engine string
	// ExtraArgs is a shell-quoted string appended to every create, e.g.
	// "--log-opt max-size=10m --dns-search example.com".
	ExtraArgs string
	// NetworkMode is a format receiving the namespace path.
	NetworkMode    string
	CommandTimeout time.Duration
}

// CLIRuntime implements Runtime on top of the docker or podman command line.
type CLIRuntime struct {
	binary      string
	extraArgs   []string
	networkMode string
	timeout     time.Duration
}

// NewCLIRuntime parses the extra arguments and returns the driver.
func NewCLIRuntime(cfg CLIConfig) (*CLIRuntime, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("runtime binary is required")
	}
	extra, err := shlex.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse runtime extra args: %w", err)
	}
	if cfg.Engine == "" {
		cfg.Engine = filepath.Base(cfg.Binary)
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = defaultNetworkMode
	}
	// Only podman can join a namespace by path; docker would reject every
	// create with "network ns:... not found".
	if cfg.Engine == EngineDocker && strings.HasPrefix(cfg.NetworkMode, "ns:") {
		return nil, fmt.Errorf("docker cannot join network namespace %q; use podman or set a docker network mode", cfg.NetworkMode)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &CLIRuntime{
		binary:      cfg.Binary,
		extraArgs:   extra,
		networkMode: cfg.NetworkMode,
		timeout:     cfg.CommandTimeout,
	}, nil
}

func (r *CLIRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	args := []string{"create", "--name", spec.Name, "--restart", "no"}
	labelKeys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}
	if spec.NetNSPath != "" {
		args = append(args, "--network", fmt.Sprintf(r.networkMode, spec.NetNSPath))
	}
	if spec.SeccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+spec.SeccompPath)
	}
	if spec.AppArmorProfile != "" {
		args = append(args, "--security-opt", "apparmor="+spec.AppArmorProfile)
	}
	args = append(args, "--security-opt", "no-new-privileges", "--cap-drop", "ALL")
	args = append(args, limitArgs(spec.Limits)...)
	args = append(args, r.extraArgs...)
	args = append(args, spec.Image)

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s create returned no container id", r.binary)
	}
	// Some engines print pull progress before the id.
	if idx := strings.LastIndex(id, "\n"); idx >= 0 {
		id = strings.TrimSpace(id[idx+1:])
	}
	return id, nil
}

func (r *CLIRuntime) Start(ctx context.Context, id string) error {
	_, err := r.run(ctx, "start", id)
	return err
}

func (r *CLIRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if secs < 0 {
		secs = 0
	}
	_, err := r.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	return err
}

func (r *CLIRuntime) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	_, err := r.run(ctx, append(args, id)...)
	return err
}

func (r *CLIRuntime) Inspect(ctx context.Context, id string) (model.SandboxStatus, error) {
	out, err := r.run(ctx, "inspect", "--format", inspectFormat, id)
	if err != nil {
		return model.SandboxStatus{}, err
	}
	return parseInspect(out)
}

func (r *CLIRuntime) Stats(ctx context.Context, id string) (model.SandboxStats, error) {
	out, err := r.run(ctx, "stats", "--no-stream", "--format", statsFormat, id)
	if err != nil {
		return model.SandboxStats{}, err
	}
	return parseStats(out)
}

func (r *CLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	return "", classify(ctx, r.binary, args, strings.TrimSpace(stderr.String()), err)
}

func classify(ctx context.Context, binary string, args []string, stderr string, err error) error {
	verb := ""
	if len(args) > 0 {
		verb = args[0]
	}
	lower := strings.ToLower(stderr)
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w: %v", binary, verb, ErrUnavailable, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s %s: %w: %v", binary, verb, ErrUnavailable, ctx.Err())
	case strings.Contains(lower, "no such container"), strings.Contains(lower, "no such object"),
		strings.Contains(lower, "no container with name or id"):
		return fmt.Errorf("%s %s: %w: %s", binary, verb, ErrNotFound, stderr)
	case strings.Contains(lower, "is already in use"):
		return fmt.Errorf("%s %s: %w: %s", binary, verb, ErrConflict, stderr)
	case strings.Contains(lower, "cannot connect to the docker daemon"),
		strings.Contains(lower, "is the docker daemon running"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "i/o timeout"):
		return fmt.Errorf("%s %s: %w: %s", binary, verb, ErrUnavailable, stderr)
	default:
		return fmt.Errorf("%s %s failed: %v: %s", binary, verb, err, stderr)
	}
}

func limitArgs(l model.ResourceLimits) []string {
	var args []string
	if l.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.FormatInt(l.CPUShares, 10))
	}
	if l.CPUPeriod > 0 {
		args = append(args, "--cpu-period", strconv.FormatInt(l.CPUPeriod, 10))
	}
	if l.CPUQuota > 0 {
		args = append(args, "--cpu-quota", strconv.FormatInt(l.CPUQuota, 10))
	}
	if l.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(l.MemoryBytes, 10))
	}
	if l.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(l.PidsLimit, 10))
	}
	return args
}

func parseInspect(out string) (model.SandboxStatus, error) {
	parts := strings.Split(strings.TrimSpace(out), "|")
	if len(parts) != 4 {
		return model.SandboxStatus{}, fmt.Errorf("unexpected inspect output %q", out)
	}
	running, err := strconv.ParseBool(parts[1])
	if err != nil {
		return model.SandboxStatus{}, fmt.Errorf("parse running flag: %w", err)
	}
	exitCode, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.SandboxStatus{}, fmt.Errorf("parse exit code: %w", err)
	}
	return model.SandboxStatus{ID: parts[0], Running: running, ExitCode: exitCode, Status: parts[3]}, nil
}

func parseStats(out string) (model.SandboxStats, error) {
	line := strings.TrimSpace(out)
	if idx := strings.LastIndex(line, "\n"); idx >= 0 {
		line = line[idx+1:]
	}
	parts := strings.Split(line, "|")
	if len(parts) != 3 {
		return model.SandboxStats{}, fmt.Errorf("unexpected stats output %q", out)
	}
	var stats model.SandboxStats
	cpu := strings.TrimSuffix(strings.TrimSpace(parts[0]), "%")
	if cpu != "" && cpu != "--" {
		v, err := strconv.ParseFloat(cpu, 64)
		if err != nil {
			return model.SandboxStats{}, fmt.Errorf("parse cpu percent: %w", err)
		}
		stats.CPUPercent = v
	}
	var err error
	if stats.MemoryUsage, stats.MemoryLimit, err = parsePair(parts[1], units.RAMInBytes); err != nil {
		return model.SandboxStats{}, fmt.Errorf("parse memory usage: %w", err)
	}
	if stats.NetRx, stats.NetTx, err = parsePair(parts[2], units.FromHumanSize); err != nil {
		return model.SandboxStats{}, fmt.Errorf("parse network io: %w", err)
	}
	return stats, nil
}

// parsePair parses "<a> / <b>" with the given size parser.
func parsePair(field string, parse func(string) (int64, error)) (int64, int64, error) {
	halves := strings.Split(field, "/")
	if len(halves) != 2 {
		return 0, 0, fmt.Errorf("unexpected value %q", field)
	}
	a, err := parseSize(halves[0], parse)
	if err != nil {
		return 0, 0, err
	}
	b, err := parseSize(halves[1], parse)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseSize(raw string, parse func(string) (int64, error)) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "--" {
		return 0, nil
	}
	return parse(raw)
}
