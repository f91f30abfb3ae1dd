package service

import (
	"context"
	"fmt"

	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/repository"
	"egressfleet/internal/fleet/sandbox"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	StepEndpoint     = "endpoint"
	StepAllocate     = "allocate"
	StepNetwork      = "network"
	StepSecurity     = "security"
	StepSandbox      = "sandbox-create"
	StepSandboxStart = "sandbox-start"
	StepCommit       = "commit"
)

// CreateRequest describes a new instance. Empty fields take service defaults.
type CreateRequest struct {
	ID    string
	Image string
}

// progress records what a provisioning run has acquired so far, in order.
type progress struct {
	id      string
	state   model.State
	alloc   *model.Allocation
	network *model.NetworkRecord
	profile bool
	handle  *sandbox.Handle
}

// Create provisions a new instance as one transaction: reserve, allocate,
// network, security, sandbox create and start. Any failure undoes the
// completed steps in reverse order and leaves the instance Failed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Instance, error) {
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	if !repository.ValidID(id) {
		return nil, appErr.ValidationError("id", "must match [A-Za-z0-9][A-Za-z0-9_.-]{0,127}")
	}
	image := req.Image
	if image == "" {
		image = s.image
	}
	if image == "" {
		return nil, appErr.ValidationError("image", "required")
	}
	ctx = logger.WithInstance(ctx, id)
	return s.submit(ctx, id, func(ctx context.Context) (*model.Instance, error) {
		return s.create(ctx, id, image)
	})
}

func (s *Service) create(ctx context.Context, id, image string) (*model.Instance, error) {
	res, err := s.registry.Reserve(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.registry.Release(ctx, res)
		return nil, appErr.Wrapf(err, appErr.Timeout, "create %s abandoned", id)
	}
	p := &progress{id: id, state: model.StateCreated}

	if err := s.checkCapacity(); err != nil {
		return nil, s.fail(ctx, p, StepAllocate, err)
	}
	ep, err := s.proxies.Claim(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, p, StepEndpoint, err)
	}
	defer s.proxies.ReleaseClaim(ep.Key(), id)

	limits := s.limits
	inst, err := s.registry.Advance(ctx, id, model.StateCreated, model.StateAllocating, func(i *model.Instance) {
		bound := ep
		i.Image = image
		i.Endpoint = &bound
		i.Limits = limits
	})
	if err != nil {
		return nil, s.fail(ctx, p, StepAllocate, err)
	}
	p.state = model.StateAllocating

	alloc, err := s.allocator.Allocate(id)
	if err != nil {
		return nil, s.fail(ctx, p, StepAllocate, err)
	}
	p.alloc = &alloc
	inst, err = s.registry.Update(ctx, id, func(i *model.Instance) {
		a := alloc
		i.Allocation = &a
	})
	if err != nil {
		return nil, s.fail(ctx, p, StepAllocate, err)
	}
	return s.bringUp(ctx, p, inst)
}

// bringUp takes an instance in Allocating that holds an allocation and an
// endpoint through network, security and sandbox to Running.
func (s *Service) bringUp(ctx context.Context, p *progress, inst *model.Instance) (*model.Instance, error) {
	id := p.id
	endpoint := *inst.Endpoint

	if err := ctx.Err(); err != nil {
		return nil, s.fail(ctx, p, StepNetwork, err)
	}
	record, err := s.network.Provision(ctx, *p.alloc, endpoint)
	if err != nil {
		return nil, s.fail(ctx, p, StepNetwork, err)
	}
	p.network = &record
	inst, err = s.registry.Advance(ctx, id, model.StateAllocating, model.StateNetworkReady, func(i *model.Instance) {
		r := record
		i.Network = &r
	})
	if err != nil {
		return nil, s.fail(ctx, p, StepNetwork, err)
	}
	p.state = model.StateNetworkReady

	if err := ctx.Err(); err != nil {
		return nil, s.fail(ctx, p, StepSecurity, err)
	}
	profile, err := s.security.Apply(ctx, id, inst.Limits)
	if err != nil {
		return nil, s.fail(ctx, p, StepSecurity, err)
	}
	p.profile = true
	inst, err = s.registry.Advance(ctx, id, model.StateNetworkReady, model.StateSecurityReady, func(i *model.Instance) {
		pr := profile
		i.Profile = &pr
	})
	if err != nil {
		return nil, s.fail(ctx, p, StepSecurity, err)
	}
	p.state = model.StateSecurityReady

	inst, err = s.registry.Advance(ctx, id, model.StateSecurityReady, model.StateStarting, nil)
	if err != nil {
		return nil, s.fail(ctx, p, StepSandbox, err)
	}
	p.state = model.StateStarting

	if err := ctx.Err(); err != nil {
		return nil, s.fail(ctx, p, StepSandbox, err)
	}
	handle, err := s.sandboxes.Create(ctx, sandbox.Spec{
		InstanceID: id,
		Image:      inst.Image,
		Endpoint:   endpoint,
		Network:    record,
		Profile:    profile,
	})
	if err != nil {
		return nil, s.fail(ctx, p, StepSandbox, err)
	}
	p.handle = &handle
	if _, err := s.registry.Update(ctx, id, func(i *model.Instance) { i.SandboxID = handle.ID }); err != nil {
		return nil, s.fail(ctx, p, StepSandbox, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, s.fail(ctx, p, StepSandboxStart, err)
	}
	if err := s.sandboxes.Start(ctx, handle.ID); err != nil {
		return nil, s.fail(ctx, p, StepSandboxStart, err)
	}

	inst, err = s.registry.Advance(ctx, id, model.StateStarting, model.StateRunning, func(i *model.Instance) {
		i.LastError = ""
		i.Degraded = ""
	})
	if err != nil {
		return nil, s.fail(ctx, p, StepCommit, err)
	}
	logger.Info(ctx, "instance running",
		zap.String("sandbox_id", handle.ID),
		zap.String("namespace", record.Namespace),
		zap.String("endpoint", endpoint.Redacted()))
	return inst, nil
}

// fail undoes everything recorded in p, moves the instance to Failed and
// returns the composite error.
func (s *Service) fail(ctx context.Context, p *progress, step string, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout)
	defer cancel()

	rollbackErrs, leaked := s.rollback(rctx, p)
	messages := make([]string, 0, len(rollbackErrs))
	for _, err := range rollbackErrs {
		messages = append(messages, err.Error())
	}
	combined := appErr.Join(append([]error{cause}, rollbackErrs...)...)

	lastError := fmt.Sprintf("%s: %v", step, cause)
	_, err := s.registry.Advance(rctx, p.id, p.state, model.StateFailed, func(i *model.Instance) {
		i.LastError = lastError
		i.SandboxID = ""
		i.Allocation = nil
		i.Network = nil
		i.Profile = nil
		// Host state that could not be torn down keeps its allocation so
		// no other instance reuses the namespace, table or subnet.
		if leaked != nil {
			alloc, nw := leaked.Allocation, *leaked
			i.Allocation = &alloc
			i.Network = &nw
		}
	})
	if err != nil {
		logger.Error(rctx, "mark instance failed", zap.Error(err))
		combined = appErr.Join(combined, err)
	}

	logger.Warn(rctx, "instance provisioning rolled back",
		zap.String("step", step),
		zap.Int("rollback_errors", len(rollbackErrs)),
		zap.Error(cause))
	return appErr.Wrapf(combined, appErr.ProvisioningFailed, "provision %s failed at %s", p.id, step).
		WithDetail("instance_id", p.id).
		WithDetail("step", step).
		WithDetail("rollback_errors", messages)
}

// rollback releases the resources in p in reverse acquisition order. Every
// step is attempted. When the network cannot be torn down the allocation is
// kept and the leftover record returned.
func (s *Service) rollback(ctx context.Context, p *progress) ([]error, *model.NetworkRecord) {
	var errs []error
	if p.handle != nil {
		if err := s.sandboxes.Remove(ctx, p.handle.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("remove sandbox %s: %w", p.handle.ID, err))
		}
		p.handle = nil
	}
	if p.profile {
		if err := s.security.Revoke(ctx, p.id); err != nil {
			errs = append(errs, fmt.Errorf("revoke profile: %w", err))
		}
		p.profile = false
	}
	var leaked *model.NetworkRecord
	if p.network != nil {
		if err := s.network.Teardown(ctx, *p.network); err != nil {
			errs = append(errs, fmt.Errorf("teardown network: %w", err))
			leaked = p.network
		}
		p.network = nil
	}
	if p.alloc != nil && leaked == nil {
		s.allocator.Release(*p.alloc)
	}
	p.alloc = nil
	return errs, leaked
}
