package service

import (
	"context"
	"fmt"
	"sync"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
)

// InstanceDetail is an instance record with live sandbox data. Status and
// Stats are nil when the sandbox could not be inspected.
type InstanceDetail struct {
	*model.Instance
	Status *model.SandboxStatus `json:"status,omitempty"`
	Stats  *model.SandboxStats  `json:"stats,omitempty"`
}

// BatchResult is the outcome of one instance in a batch operation.
type BatchResult struct {
	ID       string
	Instance *model.Instance
	Err      error
}

// Stop stops and removes the sandbox and releases the network and security
// profile. The allocation and endpoint stay with the instance for the next
// Start.
func (s *Service) Stop(ctx context.Context, id string) (*model.Instance, error) {
	ctx = logger.WithInstance(ctx, id)
	return s.submit(ctx, id, func(ctx context.Context) (*model.Instance, error) {
		return s.stop(ctx, id)
	})
}

func (s *Service) stop(ctx context.Context, id string) (*model.Instance, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.State == model.StateStopped {
		return inst, nil
	}
	if inst.State != model.StateRunning && inst.State != model.StateDegraded {
		return nil, appErr.Newf(appErr.InvalidTransition, "instance %s cannot stop in state %s", id, inst.State).
			WithDetail("instance_id", id).
			WithDetail("current", string(inst.State))
	}
	if inst, err = s.registry.Advance(ctx, id, inst.State, model.StateStopping, nil); err != nil {
		return nil, err
	}

	var sandboxErr error
	if inst.SandboxID != "" {
		if err := s.sandboxes.Stop(ctx, inst.SandboxID, s.sandboxes.StopTimeout()); err != nil {
			logger.Warn(ctx, "graceful sandbox stop failed, forcing removal", zap.String("sandbox_id", inst.SandboxID), zap.Error(err))
		}
		sandboxErr = s.sandboxes.Remove(ctx, inst.SandboxID, true)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout)
	defer cancel()
	leaked, teardown := s.release(rctx, inst)
	if teardown != nil {
		logger.Warn(rctx, "instance teardown incomplete", zap.Error(teardown))
	}
	// A network that could not be torn down stays on the record and keeps
	// its allocation; the next Start or Remove retries the teardown.
	keep := func(i *model.Instance) {
		i.Network = leaked
		i.Profile = nil
	}

	if sandboxErr != nil {
		if inst.Allocation != nil && leaked == nil {
			s.allocator.Release(*inst.Allocation)
		}
		_, err := s.registry.Advance(rctx, id, model.StateStopping, model.StateFailed, func(i *model.Instance) {
			i.LastError = fmt.Sprintf("stop: %v", sandboxErr)
			keep(i)
			if leaked == nil {
				i.Allocation = nil
			}
		})
		if err != nil {
			logger.Error(rctx, "mark instance failed", zap.Error(err))
		}
		return nil, sandboxErr
	}

	stopped, err := s.registry.Advance(rctx, id, model.StateStopping, model.StateStopped, func(i *model.Instance) {
		i.SandboxID = ""
		i.Degraded = ""
		keep(i)
		if teardown != nil {
			i.LastError = teardown.Error()
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "instance stopped")
	return stopped, nil
}

// release revokes the security profile and tears down the network of inst.
// Failures are aggregated into TeardownPartialFailure. The network record is
// returned when its teardown failed.
func (s *Service) release(ctx context.Context, inst *model.Instance) (*model.NetworkRecord, error) {
	var errs []error
	if inst.Profile != nil {
		if err := s.security.Revoke(ctx, inst.ID); err != nil {
			errs = append(errs, err)
		}
	}
	var leaked *model.NetworkRecord
	if inst.Network != nil {
		if err := s.network.Teardown(ctx, *inst.Network); err != nil {
			errs = append(errs, err)
			nw := *inst.Network
			leaked = &nw
		}
	}
	if len(errs) == 0 {
		return nil, nil
	}
	return leaked, appErr.Wrapf(appErr.Join(errs...), appErr.TeardownPartialFailure, "teardown of %s", inst.ID).
		WithDetail("instance_id", inst.ID)
}

// Start re-provisions a stopped instance with its namespace, numeric
// allocation and endpoint.
func (s *Service) Start(ctx context.Context, id string) (*model.Instance, error) {
	ctx = logger.WithInstance(ctx, id)
	return s.submit(ctx, id, func(ctx context.Context) (*model.Instance, error) {
		return s.start(ctx, id)
	})
}

func (s *Service) start(ctx context.Context, id string) (*model.Instance, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.State == model.StateRunning {
		return inst, nil
	}
	if inst.State != model.StateStopped {
		return nil, appErr.Newf(appErr.InvalidTransition, "instance %s cannot start in state %s", id, inst.State).
			WithDetail("instance_id", id).
			WithDetail("current", string(inst.State))
	}
	if inst.Allocation == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "stopped instance %s has no allocation", id)
	}
	if inst.Network != nil {
		// Leftover from a stop whose teardown failed.
		if err := s.network.Teardown(ctx, *inst.Network); err != nil {
			return nil, appErr.Wrapf(err, appErr.TeardownPartialFailure, "clear leftover network of %s", id).
				WithDetail("instance_id", id)
		}
		if inst, err = s.registry.Update(ctx, id, func(i *model.Instance) { i.Network = nil }); err != nil {
			return nil, err
		}
	}

	p := &progress{id: id, state: model.StateStopped}
	endpoint, claimed, err := s.startEndpoint(ctx, inst)
	if err != nil {
		return nil, s.startFailed(ctx, inst, StepEndpoint, err)
	}
	if claimed {
		defer s.proxies.ReleaseClaim(endpoint.Key(), id)
	}

	inst, err = s.registry.Advance(ctx, id, model.StateStopped, model.StateAllocating, func(i *model.Instance) {
		bound := endpoint
		i.Endpoint = &bound
		i.LastError = ""
	})
	if err != nil {
		return nil, err
	}
	p.state = model.StateAllocating
	alloc := *inst.Allocation
	p.alloc = &alloc
	return s.bringUp(ctx, p, inst)
}

// startEndpoint keeps the instance's endpoint while it is still bindable and
// claims a fresh one otherwise. The pool copy is used since persisted records
// carry no password.
func (s *Service) startEndpoint(ctx context.Context, inst *model.Instance) (model.ProxyEndpoint, bool, error) {
	if inst.Endpoint != nil {
		if stored, ok := s.proxies.Get(inst.Endpoint.Key()); ok && stored.Health.Bindable() {
			return stored, false, nil
		}
		logger.Info(ctx, "bound endpoint no longer usable, picking another",
			zap.String("endpoint", inst.Endpoint.Redacted()))
	}
	ep, err := s.proxies.Claim(ctx, inst.ID)
	if err != nil {
		return model.ProxyEndpoint{}, false, err
	}
	return ep, true, nil
}

// startFailed handles a Start that failed before any resource was touched:
// the allocation is released and the instance moves to Failed.
func (s *Service) startFailed(ctx context.Context, inst *model.Instance, step string, cause error) error {
	alloc := *inst.Allocation
	p := &progress{id: inst.ID, state: model.StateStopped, alloc: &alloc}
	// Stopped cannot move to Failed directly; go through Allocating.
	if err := s.registry.Transition(ctx, inst.ID, model.StateStopped, model.StateAllocating); err == nil {
		p.state = model.StateAllocating
	}
	return s.fail(ctx, p, step, cause)
}

// Restart stops a running or degraded instance and starts it again with the
// same bindings. A stopped instance is just started.
func (s *Service) Restart(ctx context.Context, id string) (*model.Instance, error) {
	ctx = logger.WithInstance(ctx, id)
	return s.submit(ctx, id, func(ctx context.Context) (*model.Instance, error) {
		return s.restart(ctx, id)
	})
}

func (s *Service) restart(ctx context.Context, id string) (*model.Instance, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch inst.State {
	case model.StateRunning, model.StateDegraded:
		if _, err := s.stop(ctx, id); err != nil {
			return nil, err
		}
	case model.StateStopped:
	default:
		return nil, appErr.Newf(appErr.InvalidTransition, "instance %s cannot restart in state %s", id, inst.State).
			WithDetail("instance_id", id).
			WithDetail("current", string(inst.State))
	}
	return s.start(ctx, id)
}

// Rotate binds a running instance to another endpoint, preferred first when
// given.
func (s *Service) Rotate(ctx context.Context, id string, preferred *model.ProxyEndpoint) (*model.Instance, error) {
	ctx = logger.WithInstance(ctx, id)
	return s.submit(ctx, id, func(ctx context.Context) (*model.Instance, error) {
		return s.proxies.Rotate(ctx, id, preferred)
	})
}

// Remove stops the instance when needed, releases everything it holds and
// forgets it.
func (s *Service) Remove(ctx context.Context, id string) error {
	ctx = logger.WithInstance(ctx, id)
	_, err := s.submit(ctx, id, func(ctx context.Context) (*model.Instance, error) {
		return nil, s.remove(ctx, id)
	})
	return err
}

func (s *Service) remove(ctx context.Context, id string) error {
	inst, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	switch inst.State {
	case model.StateRunning, model.StateDegraded:
		stopped, err := s.stop(ctx, id)
		if err != nil {
			// stop leaves a Failed record behind, which can be removed.
			if current, getErr := s.registry.Get(id); getErr != nil || current.State != model.StateFailed {
				return err
			}
			inst, _ = s.registry.Get(id)
		} else {
			inst = stopped
		}
	case model.StateStopped, model.StateFailed:
	default:
		return appErr.Newf(appErr.InvalidTransition, "instance %s cannot be removed in state %s", id, inst.State).
			WithDetail("instance_id", id).
			WithDetail("current", string(inst.State))
	}

	if inst.SandboxID != "" {
		if err := s.sandboxes.Remove(ctx, inst.SandboxID, true); err != nil {
			logger.Warn(ctx, "remove leftover sandbox failed", zap.String("sandbox_id", inst.SandboxID), zap.Error(err))
		}
	}
	if leaked, err := s.release(ctx, inst); err != nil {
		if leaked != nil {
			// Forgetting the record would orphan the namespace and let the
			// allocator hand its slot to another instance.
			if _, uerr := s.registry.Update(ctx, id, func(i *model.Instance) {
				i.Profile = nil
				i.Network = leaked
				i.LastError = err.Error()
			}); uerr != nil {
				logger.Warn(ctx, "record leftover network failed", zap.Error(uerr))
			}
			return err
		}
		logger.Warn(ctx, "instance teardown incomplete", zap.Error(err))
	}
	if inst.Allocation != nil {
		s.allocator.Release(*inst.Allocation)
	}
	if err := s.registry.Remove(ctx, id); err != nil {
		return err
	}
	logger.Info(ctx, "instance removed")
	return nil
}

// Get returns the record with live sandbox status and stats when available.
func (s *Service) Get(ctx context.Context, id string) (*InstanceDetail, error) {
	inst, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	detail := &InstanceDetail{Instance: inst}
	if inst.SandboxID == "" {
		return detail, nil
	}
	if status, err := s.sandboxes.Inspect(ctx, inst.SandboxID); err == nil {
		detail.Status = &status
	} else {
		logger.Debug(ctx, "inspect sandbox failed", zap.String("sandbox_id", inst.SandboxID), zap.Error(err))
	}
	if detail.Status != nil && detail.Status.Running {
		if stats, err := s.sandboxes.Stats(ctx, inst.SandboxID); err == nil {
			detail.Stats = &stats
		} else {
			logger.Debug(ctx, "sandbox stats failed", zap.String("sandbox_id", inst.SandboxID), zap.Error(err))
		}
	}
	return detail, nil
}

// CreateBatch creates n instances concurrently, bounded by the worker pool,
// and returns one result per instance in request order.
func (s *Service) CreateBatch(ctx context.Context, n int, image string) []BatchResult {
	if n <= 0 {
		return nil
	}
	results := make([]BatchResult, n)
	runner := threading.NewTaskRunner(s.poolSize)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		id := s.newID()
		idx := i
		runner.Schedule(func() {
			inst, err := s.Create(ctx, CreateRequest{ID: id, Image: image})
			mu.Lock()
			results[idx] = BatchResult{ID: id, Instance: inst, Err: err}
			mu.Unlock()
		})
	}
	runner.Wait()
	return results
}

// RotateAll rotates every running or degraded instance.
func (s *Service) RotateAll(ctx context.Context) []BatchResult {
	return s.each(ctx, func(inst *model.Instance) bool {
		return inst.State == model.StateRunning || inst.State == model.StateDegraded
	}, func(ctx context.Context, id string) (*model.Instance, error) {
		return s.Rotate(ctx, id, nil)
	})
}

// StopAll stops every running or degraded instance.
func (s *Service) StopAll(ctx context.Context) []BatchResult {
	return s.each(ctx, func(inst *model.Instance) bool {
		return inst.State == model.StateRunning || inst.State == model.StateDegraded
	}, s.Stop)
}

// Cleanup removes every settled instance. Instances in the middle of an
// operation are skipped.
func (s *Service) Cleanup(ctx context.Context) []BatchResult {
	return s.each(ctx, func(inst *model.Instance) bool {
		return !inst.State.InProgress()
	}, func(ctx context.Context, id string) (*model.Instance, error) {
		return nil, s.Remove(ctx, id)
	})
}

// each runs op on every instance matched by filter, bounded by the worker
// pool, and returns the results sorted by instance id.
func (s *Service) each(ctx context.Context, filter func(*model.Instance) bool, op func(context.Context, string) (*model.Instance, error)) []BatchResult {
	var ids []string
	for _, inst := range s.registry.List() {
		if filter(inst) {
			ids = append(ids, inst.ID)
		}
	}
	results := make([]BatchResult, len(ids))
	runner := threading.NewTaskRunner(s.poolSize)
	for i, id := range ids {
		runner.Schedule(func() {
			inst, err := op(ctx, id)
			results[i] = BatchResult{ID: id, Instance: inst, Err: err}
		})
	}
	runner.Wait()
	return results
}
