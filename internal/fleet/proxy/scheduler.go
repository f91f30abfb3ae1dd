package proxy

import (
	"context"
	"sync"
	"time"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"
	"egressfleet/pkg/utils/retry"

	"github.com/zeromicro/go-zero/core/threading"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRotateRetries      = 5
	defaultRetryBase          = 500 * time.Millisecond
	defaultRetryMax           = 5 * time.Second
	defaultQuarantineAfter    = 2
	defaultHealthInterval     = 5 * time.Minute
	defaultQuarantineCooldown = 30 * time.Minute
	defaultProbeRate          = 5
	defaultProbeBurst         = 5
)

// Config controls probing and rotation.
type Config struct {
	File               string        `yaml:"file"`
	ProbeURL           string        `yaml:"probeURL"`
	ProbeTimeout       time.Duration `yaml:"probeTimeout"`
	RotateRetries      int           `yaml:"rotateRetries"`
	RetryBase          time.Duration `yaml:"retryBase"`
	RetryMax           time.Duration `yaml:"retryMax"`
	QuarantineAfter    int           `yaml:"quarantineAfter"`
	QuarantineCooldown time.Duration `yaml:"quarantineCooldown"`
	HealthInterval     time.Duration `yaml:"healthInterval"`
	ProbeRate          float64       `yaml:"probeRate"`
	ProbeBurst         int           `yaml:"probeBurst"`
	// LazyValidation binds unverified endpoints without probing first; the
	// health loop validates them afterwards.
	LazyValidation bool `yaml:"lazyValidation"`
}

// Instances is the registry view the scheduler needs for rotation.
type Instances interface {
	Get(id string) (*model.Instance, error)
	List() []*model.Instance
	Update(ctx context.Context, id string, mutate func(*model.Instance)) (*model.Instance, error)
	Advance(ctx context.Context, id string, from, to model.State, mutate func(*model.Instance)) (*model.Instance, error)
}

// Rebinder re-points the network of a running instance at another endpoint.
type Rebinder interface {
	Rebind(ctx context.Context, record model.NetworkRecord, endpoint model.ProxyEndpoint) (model.NetworkRecord, error)
}

// Scheduler owns the endpoint pool. Endpoints are only mutated here.
type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	endpoints []*model.ProxyEndpoint
	index     map[string]int
	cursor    int

	// claims holds endpoints an instance is in the middle of binding, keyed
	// by endpoint, so two concurrent binds never pick the same one.
	claimMu sync.Mutex
	claims  map[string]string

	prober    Prober
	limiter   *rate.Limiter
	instances Instances
	network   Rebinder
	now       func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithProber replaces the HTTP prober.
func WithProber(p Prober) Option {
	return func(s *Scheduler) {
		s.prober = p
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a scheduler over endpoints.
func NewScheduler(cfg Config, endpoints []model.ProxyEndpoint, instances Instances, network Rebinder, opts ...Option) *Scheduler {
	if cfg.RotateRetries <= 0 {
		cfg.RotateRetries = defaultRotateRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = defaultQuarantineAfter
	}
	if cfg.QuarantineCooldown <= 0 {
		cfg.QuarantineCooldown = defaultQuarantineCooldown
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.ProbeRate <= 0 {
		cfg.ProbeRate = defaultProbeRate
	}
	if cfg.ProbeBurst <= 0 {
		cfg.ProbeBurst = defaultProbeBurst
	}
	s := &Scheduler{
		cfg:       cfg,
		index:     make(map[string]int),
		claims:    make(map[string]string),
		prober:    HTTPProber{URL: cfg.ProbeURL, Timeout: cfg.ProbeTimeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProbeRate), cfg.ProbeBurst),
		instances: instances,
		network:   network,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, ep := range endpoints {
		s.Add(ep)
	}
	return s
}

// Add appends an endpoint to the queue. Known endpoints are left untouched.
func (s *Scheduler) Add(ep model.ProxyEndpoint) model.ProxyEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ep)
}

func (s *Scheduler) addLocked(ep model.ProxyEndpoint) model.ProxyEndpoint {
	if idx, ok := s.index[ep.Key()]; ok {
		return *s.endpoints[idx]
	}
	if ep.Health == "" {
		ep.Health = model.HealthUnverified
	}
	stored := ep
	s.index[ep.Key()] = len(s.endpoints)
	s.endpoints = append(s.endpoints, &stored)
	return stored
}

// Next returns the next endpoint in round-robin order, skipping quarantined ones.
func (s *Scheduler) Next() (model.ProxyEndpoint, error) {
	return s.NextFor(nil)
}

// NextFor is Next that also skips the keys in exclude.
func (s *Scheduler) NextFor(exclude map[string]bool) (model.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.endpoints)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		ep := s.endpoints[idx]
		if ep.Health == model.HealthQuarantined || exclude[ep.Key()] {
			continue
		}
		s.cursor = (idx + 1) % n
		return *ep, nil
	}
	return model.ProxyEndpoint{}, appErr.Newf(appErr.NoEndpointsAvailable, "no endpoint available among %d", n)
}

// Get returns the stored endpoint for key.
func (s *Scheduler) Get(key string) (model.ProxyEndpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[key]
	if !ok {
		return model.ProxyEndpoint{}, false
	}
	return *s.endpoints[idx], true
}

// Snapshot lists all endpoints in queue order.
func (s *Scheduler) Snapshot() []model.ProxyEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProxyEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, *ep)
	}
	return out
}

// Quarantine removes an endpoint from selection until it is requeued or
// passes a health check after the cooldown.
func (s *Scheduler) Quarantine(key string) error {
	return s.setHealth(key, model.HealthQuarantined)
}

// Requeue returns an endpoint to selection as unverified.
func (s *Scheduler) Requeue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[key]
	if !ok {
		return appErr.Newf(appErr.NotFound, "endpoint %s not found", key)
	}
	s.endpoints[idx].Health = model.HealthUnverified
	s.endpoints[idx].Failures = 0
	return nil
}

func (s *Scheduler) setHealth(key string, h model.Health) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[key]
	if !ok {
		return appErr.Newf(appErr.NotFound, "endpoint %s not found", key)
	}
	s.endpoints[idx].Health = h
	return nil
}

// Validate probes ep and records the result.
func (s *Scheduler) Validate(ctx context.Context, ep model.ProxyEndpoint) (model.ProxyEndpoint, error) {
	err := s.prober.Probe(ctx, ep)
	updated := s.record(ep, err)
	if err != nil {
		return updated, appErr.Wrapf(err, appErr.ProxyUnreachable, "endpoint %s unreachable", ep.Redacted()).
			WithDetail("endpoint", ep.Key())
	}
	return updated, nil
}

func (s *Scheduler) record(ep model.ProxyEndpoint, probeErr error) model.ProxyEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[ep.Key()]
	if !ok {
		stored := s.addLocked(ep)
		idx = s.index[stored.Key()]
	}
	stored := s.endpoints[idx]
	stored.LastChecked = s.now()
	if probeErr == nil {
		stored.Health = model.HealthHealthy
		stored.Failures = 0
		return *stored
	}
	stored.Failures++
	if stored.Health != model.HealthQuarantined {
		stored.Health = model.HealthUnreachable
		if stored.Failures >= s.cfg.QuarantineAfter {
			stored.Health = model.HealthQuarantined
		}
	}
	return *stored
}

// Acquire picks a bindable endpoint not in exclude, validating candidates
// unless lazy validation allows binding them as they are.
func (s *Scheduler) Acquire(ctx context.Context, exclude map[string]bool) (model.ProxyEndpoint, error) {
	tried := make(map[string]bool, len(exclude))
	for k := range exclude {
		tried[k] = true
	}
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return model.ProxyEndpoint{}, err
		}
		candidate, err := s.NextFor(tried)
		if err != nil {
			if lastErr != nil {
				return model.ProxyEndpoint{}, appErr.Wrapf(appErr.Join(lastErr, err), appErr.NoEndpointsAvailable, "no reachable endpoint")
			}
			return model.ProxyEndpoint{}, err
		}
		tried[candidate.Key()] = true
		if s.cfg.LazyValidation && candidate.Health.Bindable() {
			return candidate, nil
		}
		validated, err := s.Validate(ctx, candidate)
		if err == nil {
			return validated, nil
		}
		logger.Warn(ctx, "endpoint failed validation", zap.String("endpoint", candidate.Redacted()), zap.Error(err))
		lastErr = err
	}
}

// BoundKeys returns the endpoints held by every instance other than skipID.
// Stopped instances keep their binding for the next start.
func (s *Scheduler) BoundKeys(skipID string) map[string]bool {
	bound := make(map[string]bool)
	if s.instances == nil {
		return bound
	}
	for _, inst := range s.instances.List() {
		if inst.ID == skipID || inst.Endpoint == nil || inst.State == model.StateFailed || inst.State == model.StateRemoved {
			continue
		}
		bound[inst.Endpoint.Key()] = true
	}
	return bound
}

// unavailable returns the endpoints bound to or claimed by instances other
// than id.
func (s *Scheduler) unavailable(id string) map[string]bool {
	exclude := s.BoundKeys(id)
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	for key, owner := range s.claims {
		if owner != id {
			exclude[key] = true
		}
	}
	return exclude
}

// tryClaim reserves key for id unless another instance holds or claims it.
func (s *Scheduler) tryClaim(key, id string) bool {
	bound := s.BoundKeys(id)
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if owner, ok := s.claims[key]; ok && owner != id {
		return false
	}
	if bound[key] {
		return false
	}
	s.claims[key] = id
	return true
}

// Claim acquires an endpoint no other instance holds or is binding and
// reserves it for id until ReleaseClaim.
func (s *Scheduler) Claim(ctx context.Context, id string) (model.ProxyEndpoint, error) {
	for {
		ep, err := s.Acquire(ctx, s.unavailable(id))
		if err != nil {
			return model.ProxyEndpoint{}, err
		}
		if s.tryClaim(ep.Key(), id) {
			return ep, nil
		}
	}
}

// ReleaseClaim drops the claim of id on key. Claims held by other instances
// are left alone.
func (s *Scheduler) ReleaseClaim(key, id string) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if s.claims[key] == id {
		delete(s.claims, key)
	}
}

// Rotate binds a running instance to another endpoint. The preferred endpoint
// is tried first; a candidate that keeps failing is quarantined and the next
// one is taken. Only endpoints the sandbox can use with its current
// configuration are eligible: same scheme and credentials. Identity, sandbox
// and security profile are unchanged. When the retry budget runs out the
// instance is marked Degraded.
func (s *Scheduler) Rotate(ctx context.Context, id string, preferred *model.ProxyEndpoint) (*model.Instance, error) {
	inst, err := s.instances.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.State != model.StateRunning && inst.State != model.StateDegraded {
		return nil, appErr.Newf(appErr.InvalidTransition, "instance %s cannot rotate in state %s", id, inst.State).
			WithDetail("instance_id", id).
			WithDetail("current", string(inst.State))
	}
	if inst.Network == nil {
		return nil, appErr.Newf(appErr.InternalServerError, "instance %s has no network record", id)
	}

	exclude := s.unavailable(id)
	var current *model.ProxyEndpoint
	if inst.Endpoint != nil {
		exclude[inst.Endpoint.Key()] = true
		// Persisted records carry no password; the pool has it.
		if stored, ok := s.Get(inst.Endpoint.Key()); ok {
			current = &stored
		} else {
			ep := *inst.Endpoint
			current = &ep
		}
		for _, ep := range s.Snapshot() {
			if !current.Interchangeable(ep) {
				exclude[ep.Key()] = true
			}
		}
	}

	var candidate *model.ProxyEndpoint
	if preferred != nil {
		stored := s.Add(*preferred)
		if current != nil && !current.Interchangeable(stored) {
			return nil, appErr.Newf(appErr.InvalidEndpoint, "endpoint %s needs a different proxy configuration than %s", stored.Redacted(), current.Redacted()).
				WithDetail("instance_id", id).
				WithDetail("endpoint", stored.Key())
		}
		if stored.Key() != endpointKey(inst.Endpoint) && !s.tryClaim(stored.Key(), id) {
			return nil, appErr.Newf(appErr.EndpointInUse, "endpoint %s is bound to another instance", stored.Redacted()).
				WithDetail("instance_id", id).
				WithDetail("endpoint", stored.Key())
		}
		candidate = &stored
	}
	release := func() {
		if candidate != nil {
			s.ReleaseClaim(candidate.Key(), id)
		}
	}

	var errs []error
	for attempt := 0; attempt < s.cfg.RotateRetries; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, retry.ComputeBackoff(attempt-1, s.cfg.RetryBase, s.cfg.RetryMax)); err != nil {
				errs = append(errs, err)
				break
			}
		}
		if candidate == nil {
			next, err := s.nextClaimed(id, exclude)
			if err != nil {
				errs = append(errs, err)
				break
			}
			candidate = &next
		}

		validated, err := s.Validate(ctx, *candidate)
		if err != nil {
			errs = append(errs, err)
			logger.Warn(ctx, "rotation candidate failed",
				zap.String("instance_id", id),
				zap.String("endpoint", candidate.Redacted()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if validated.Health == model.HealthQuarantined {
				exclude[candidate.Key()] = true
				release()
				candidate = nil
			}
			continue
		}
		updated, err := s.bind(ctx, inst, validated)
		release()
		return updated, err
	}
	release()

	if len(errs) == 1 && appErr.Is(errs[0], appErr.NoEndpointsAvailable) {
		return nil, errs[0]
	}
	cause := appErr.Join(errs...)
	markDegraded := func(i *model.Instance) {
		i.LastError = cause.Error()
		// A dead sandbox outranks a missing proxy; only a restart lifts it.
		if i.Degraded != model.DegradedSandbox {
			i.Degraded = model.DegradedProxy
		}
	}
	if inst.State == model.StateDegraded {
		_, err = s.instances.Update(ctx, id, markDegraded)
	} else {
		_, err = s.instances.Advance(ctx, id, model.StateRunning, model.StateDegraded, markDegraded)
	}
	if err != nil {
		logger.Warn(ctx, "mark instance degraded failed", zap.String("instance_id", id), zap.Error(err))
	}
	return nil, appErr.Wrapf(cause, appErr.ProxyUnreachable, "rotate %s: no reachable endpoint", id).
		WithDetail("instance_id", id).
		WithDetail("attempts", len(errs))
}

// nextClaimed returns the next endpoint outside exclude that id could claim.
func (s *Scheduler) nextClaimed(id string, exclude map[string]bool) (model.ProxyEndpoint, error) {
	for {
		next, err := s.NextFor(exclude)
		if err != nil {
			return model.ProxyEndpoint{}, err
		}
		if s.tryClaim(next.Key(), id) {
			return next, nil
		}
		exclude[next.Key()] = true
	}
}

func (s *Scheduler) bind(ctx context.Context, inst *model.Instance, ep model.ProxyEndpoint) (*model.Instance, error) {
	record, err := s.network.Rebind(ctx, *inst.Network, ep)
	if err != nil {
		return nil, err
	}
	// A new endpoint only cures a proxy outage; a degraded sandbox stays
	// degraded until it is restarted.
	recovers := inst.State == model.StateDegraded && inst.Degraded == model.DegradedProxy
	mutate := func(i *model.Instance) {
		bound := ep
		i.Endpoint = &bound
		i.Network = &record
		if i.Degraded != model.DegradedSandbox {
			i.LastError = ""
		}
		if recovers {
			i.Degraded = ""
		}
	}
	var updated *model.Instance
	if recovers {
		updated, err = s.instances.Advance(ctx, inst.ID, model.StateDegraded, model.StateRunning, mutate)
	} else {
		updated, err = s.instances.Update(ctx, inst.ID, mutate)
	}
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "instance endpoint rotated",
		zap.String("instance_id", inst.ID),
		zap.String("from", endpointKey(inst.Endpoint)),
		zap.String("to", ep.Key()))
	return updated, nil
}

// Run re-validates the pool every HealthInterval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		s.CheckAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckAll probes every endpoint due for a check, rate limited.
func (s *Scheduler) CheckAll(ctx context.Context) {
	now := s.now()
	group := threading.NewRoutineGroup()
	for _, ep := range s.Snapshot() {
		if ep.Health == model.HealthQuarantined && now.Sub(ep.LastChecked) < s.cfg.QuarantineCooldown {
			continue
		}
		group.RunSafe(func() {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if ep.Health == model.HealthQuarantined {
				if err := s.prober.Probe(ctx, ep); err == nil {
					s.record(ep, nil)
					logger.Info(ctx, "quarantined endpoint recovered", zap.String("endpoint", ep.Redacted()))
				} else {
					s.touch(ep.Key())
				}
				return
			}
			if _, err := s.Validate(ctx, ep); err != nil {
				logger.Warn(ctx, "endpoint health check failed", zap.String("endpoint", ep.Redacted()), zap.Error(err))
			}
		})
	}
	group.Wait()
}

func (s *Scheduler) touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[key]; ok {
		s.endpoints[idx].LastChecked = s.now()
	}
}

func endpointKey(ep *model.ProxyEndpoint) string {
	if ep == nil {
		return ""
	}
	return ep.Key()
}
