package security

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"
	"time"
)

const (
	defaultParserPath = "apparmor_parser"
	parserTimeout     = 30 * time.Second
)

var apparmorTemplate = template.Must(template.New("apparmor").Parse(`#include <tunables/global>

profile {{.Name}} flags=(attach_disconnected,mediate_deleted) {
  #include <abstractions/base>

  network inet,
  network inet6,
  network unix,
  deny network raw,
  deny network packet,

  capability chown,
  capability dac_override,
  capability fowner,
  capability kill,
  capability net_bind_service,
  capability setgid,
  capability setuid,

  file,
  deny mount,
  deny umount,
  deny pivot_root,
  deny ptrace,

  deny @{PROC}/* w,
  deny @{PROC}/sys/** w,
  deny @{PROC}/sysrq-trigger rwklx,
  deny @{PROC}/kcore rwklx,
  deny /sys/** w,

  /** r,
  owner {{.WorkDir}}/** rw,
  owner /tmp/** rw,

  signal (receive) peer=unconfined,
  signal (send,receive) peer={{.Name}},
}
`))

// RenderAppArmor returns the profile text for one instance.
func RenderAppArmor(name, workDir string) (string, error) {
	var buf bytes.Buffer
	err := apparmorTemplate.Execute(&buf, struct {
		Name    string
		WorkDir string
	}{Name: name, WorkDir: strings.TrimRight(workDir, "/")})
	if err != nil {
		return "", fmt.Errorf("render apparmor profile: %w", err)
	}
	return buf.String(), nil
}

// Loader loads profile files into and out of the kernel.
type Loader interface {
	Load(ctx context.Context, path string) error
	Unload(ctx context.Context, path string) error
}

// ParserLoader drives apparmor_parser.
type ParserLoader struct {
	Path string
}

// Load replaces (or adds) the profile and writes the cache.
func (l ParserLoader) Load(ctx context.Context, path string) error {
	return l.run(ctx, "-r", "-W", path)
}

// Unload removes the profile. An already unloaded profile is not an error.
func (l ParserLoader) Unload(ctx context.Context, path string) error {
	err := l.run(ctx, "-R", path)
	if err != nil && strings.Contains(err.Error(), "doesn't exist") {
		return nil
	}
	return err
}

func (l ParserLoader) run(ctx context.Context, args ...string) error {
	bin := l.Path
	if bin == "" {
		bin = defaultParserPath
	}
	ctx, cancel := context.WithTimeout(ctx, parserTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
