// Package security renders, stores and loads per-instance seccomp and
// AppArmor profiles and composes cgroup limits.
package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultProfileDir  = "/var/lib/egressfleet/profiles"
	defaultAppArmorDir = "/etc/apparmor.d/egressfleet"
	defaultWorkDir     = "/var/lib/egressfleet/work"
	profileNamePrefix  = "egressfleet-"
)

// Config controls where profiles live and whether AppArmor is enforced.
type Config struct {
	ProfileDir     string   `yaml:"profileDir"`
	AppArmorDir    string   `yaml:"apparmorDir"`
	WorkDir        string   `yaml:"workDir"`
	EnableAppArmor bool     `yaml:"enableAppArmor"`
	ParserPath     string   `yaml:"apparmorParser"`
	ExtraSyscalls  []string `yaml:"extraSyscalls"`
}

// Applier produces the security profile of each instance.
type Applier struct {
	cfg    Config
	loader Loader
	base   model.ResourceLimits
}

// NewApplier creates an applier. A nil loader falls back to apparmor_parser.
func NewApplier(cfg Config, base model.ResourceLimits, loader Loader) *Applier {
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = defaultProfileDir
	}
	if cfg.AppArmorDir == "" {
		cfg.AppArmorDir = defaultAppArmorDir
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaultWorkDir
	}
	if loader == nil {
		loader = ParserLoader{Path: cfg.ParserPath}
	}
	return &Applier{cfg: cfg, loader: loader, base: Compose(DefaultLimits(), base)}
}

// Apply writes the seccomp profile, writes and loads the AppArmor profile and
// returns the composed limits. Partial writes are reverted on failure.
func (a *Applier) Apply(ctx context.Context, id string, limits model.ResourceLimits) (model.SecurityProfile, error) {
	profile := model.SecurityProfile{
		InstanceID:  id,
		SeccompPath: a.seccompPath(id),
		Limits:      Compose(a.base, limits),
	}
	var undo []func() error
	fail := func(stage string, err error) (model.SecurityProfile, error) {
		var rollback []error
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				rollback = append(rollback, uerr)
			}
		}
		wrapped := appErr.Wrapf(appErr.Join(append([]error{err}, rollback...)...), appErr.SecurityProfileApplyFailed,
			"apply security profile for %s: %s", id, stage).WithDetail("step", stage)
		if len(rollback) > 0 {
			wrapped.WithDetail("rollback_errors", len(rollback))
		}
		return model.SecurityProfile{}, wrapped
	}

	if err := ctx.Err(); err != nil {
		return fail("seccomp", err)
	}
	allowed, err := AllowList(a.cfg.ExtraSyscalls)
	if err != nil {
		return fail("seccomp", err)
	}
	data, err := RenderSeccomp(allowed)
	if err != nil {
		return fail("seccomp", err)
	}
	if err := writeFile(profile.SeccompPath, data); err != nil {
		return fail("seccomp", err)
	}
	undo = append(undo, func() error { return removeFile(profile.SeccompPath) })
	profile.Syscalls = allowed

	if a.cfg.EnableAppArmor {
		name := profileNamePrefix + id
		text, err := RenderAppArmor(name, filepath.Join(a.cfg.WorkDir, id))
		if err != nil {
			return fail("apparmor", err)
		}
		path := filepath.Join(a.cfg.AppArmorDir, name)
		if err := writeFile(path, []byte(text)); err != nil {
			return fail("apparmor", err)
		}
		undo = append(undo, func() error { return removeFile(path) })
		if err := ctx.Err(); err != nil {
			return fail("apparmor", err)
		}
		if err := a.loader.Load(ctx, path); err != nil {
			return fail("apparmor-load", err)
		}
		undo = append(undo, func() error { return a.loader.Unload(context.WithoutCancel(ctx), path) })
		profile.AppArmorName = name
		profile.AppArmorPath = path
		profile.AppArmorText = text
	}

	logger.Info(ctx, "security profile applied",
		zap.String("seccomp", profile.SeccompPath),
		zap.String("apparmor", profile.AppArmorName),
		zap.Int("syscalls", len(profile.Syscalls)),
	)
	return profile, nil
}

// Revoke unloads the AppArmor profile and deletes both files. Every step runs;
// missing files are not errors.
func (a *Applier) Revoke(ctx context.Context, id string) error {
	var errs []error
	if a.cfg.EnableAppArmor {
		path := filepath.Join(a.cfg.AppArmorDir, profileNamePrefix+id)
		if _, err := os.Stat(path); err == nil {
			if err := a.loader.Unload(ctx, path); err != nil {
				errs = append(errs, fmt.Errorf("unload apparmor: %w", err))
			}
		}
		if err := removeFile(path); err != nil {
			errs = append(errs, fmt.Errorf("remove apparmor profile: %w", err))
		}
	}
	if err := removeFile(a.seccompPath(id)); err != nil {
		errs = append(errs, fmt.Errorf("remove seccomp profile: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return appErr.Wrapf(appErr.Join(errs...), appErr.TeardownPartialFailure, "revoke security profile of %s", id).
		WithDetail("failed_steps", len(errs))
}

func (a *Applier) seccompPath(id string) string {
	return filepath.Join(a.cfg.ProfileDir, id+".seccomp.json")
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
