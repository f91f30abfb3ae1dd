package service

import (
	"context"
	"fmt"

	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/sandbox"
	"egressfleet/pkg/utils/logger"

	"go.uber.org/zap"
)

// Restore loads persisted records into the registry and reconciles them with
// the host: allocations of kept instances are re-reserved, instances caught
// mid-operation are cleaned up and marked Failed, and running instances whose
// sandbox is gone are marked Degraded.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.records == nil {
		return 0, nil
	}
	records, err := s.records.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load instance records: %w", err)
	}
	loaded := s.registry.Restore(records)
	for _, inst := range s.registry.List() {
		s.reconcile(logger.WithInstance(ctx, inst.ID), inst)
	}
	logger.Info(ctx, "instance records restored", zap.Int("records", len(records)), zap.Int("loaded", loaded))
	return loaded, nil
}

func (s *Service) reconcile(ctx context.Context, inst *model.Instance) {
	switch {
	case inst.State.InProgress():
		p := &progress{id: inst.ID, state: inst.State}
		if inst.Allocation != nil {
			if err := s.allocator.Reserve(inst.ID, *inst.Allocation); err == nil {
				alloc := *inst.Allocation
				p.alloc = &alloc
			}
		}
		if inst.Network != nil {
			nw := *inst.Network
			p.network = &nw
		}
		p.profile = inst.Profile != nil
		if inst.SandboxID != "" {
			p.handle = &sandbox.Handle{ID: inst.SandboxID}
		}
		_ = s.fail(ctx, p, "restore", fmt.Errorf("interrupted in state %s", inst.State))
	// Failed records only hold an allocation when their network outlived a
	// teardown; it stays reserved until Remove clears the host.
	case inst.State == model.StateRunning || inst.State == model.StateDegraded || inst.State == model.StateStopped || inst.State == model.StateFailed:
		if inst.Allocation == nil {
			return
		}
		if err := s.allocator.Reserve(inst.ID, *inst.Allocation); err != nil {
			logger.Error(ctx, "re-reserve allocation failed", zap.Error(err))
		}
		if inst.State == model.StateRunning {
			s.checkSandbox(ctx, inst)
		}
	}
}

// checkSandbox marks a running instance Degraded when its sandbox has exited.
// It reports whether the sandbox is down.
func (s *Service) checkSandbox(ctx context.Context, inst *model.Instance) bool {
	if inst.SandboxID == "" {
		return false
	}
	status, err := s.sandboxes.Inspect(ctx, inst.SandboxID)
	reason := ""
	switch {
	case err != nil:
		reason = fmt.Sprintf("inspect sandbox: %v", err)
	case !status.Running:
		reason = fmt.Sprintf("sandbox %s exited (status %s, code %d)", inst.SandboxID, status.Status, status.ExitCode)
	default:
		return false
	}
	if _, err := s.registry.Advance(ctx, inst.ID, model.StateRunning, model.StateDegraded, func(i *model.Instance) {
		i.LastError = reason
		i.Degraded = model.DegradedSandbox
	}); err != nil {
		logger.Warn(ctx, "mark instance degraded failed", zap.Error(err))
		return false
	}
	logger.Warn(ctx, "instance degraded", zap.String("reason", reason))
	return true
}

// Supervise checks every running instance once. Dead sandboxes degrade their
// instance and are restarted when AutoRestart is set; instances bound to a
// quarantined endpoint are rotated when AutoRotate is set. Each check runs
// serialized with the other operations on the instance.
func (s *Service) Supervise(ctx context.Context) {
	for _, inst := range s.registry.List() {
		if ctx.Err() != nil {
			return
		}
		if inst.State != model.StateRunning && inst.State != model.StateDegraded {
			continue
		}
		id, sandboxID := inst.ID, inst.SandboxID
		ictx := logger.WithInstance(ctx, id)
		_, err := s.submit(ictx, id, func(ctx context.Context) (*model.Instance, error) {
			return nil, s.superviseOne(ctx, id, sandboxID)
		})
		if err != nil {
			logger.Warn(ictx, "supervision failed", zap.Error(err))
		}
	}
}

// superviseOne acts on the current record of id. A record that moved on
// since the listing, to another sandbox or state, is left alone.
func (s *Service) superviseOne(ctx context.Context, id, sandboxID string) error {
	inst, err := s.registry.Get(id)
	if err != nil || inst.SandboxID != sandboxID {
		return nil
	}
	switch inst.State {
	case model.StateRunning:
		if s.checkSandbox(ctx, inst) {
			if s.autoRestart {
				return s.recover(ctx, id)
			}
			return nil
		}
		if s.autoRotate && s.endpointQuarantined(inst) {
			if _, err := s.proxies.Rotate(ctx, id, nil); err != nil {
				return fmt.Errorf("automatic rotation: %w", err)
			}
		}
	case model.StateDegraded:
		if s.autoRestart {
			return s.recover(ctx, id)
		}
		if s.autoRotate && inst.Degraded == model.DegradedProxy {
			if _, err := s.proxies.Rotate(ctx, id, nil); err != nil {
				return fmt.Errorf("automatic rotation: %w", err)
			}
		}
	}
	return nil
}

func (s *Service) recover(ctx context.Context, id string) error {
	if _, err := s.restart(ctx, id); err != nil {
		return fmt.Errorf("automatic restart: %w", err)
	}
	logger.Info(ctx, "instance restarted by supervisor")
	return nil
}

func (s *Service) endpointQuarantined(inst *model.Instance) bool {
	if inst.Endpoint == nil {
		return false
	}
	stored, ok := s.proxies.Get(inst.Endpoint.Key())
	return ok && stored.Health == model.HealthQuarantined
}
