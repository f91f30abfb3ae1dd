package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
	"egressfleet/pkg/utils/logger"

	"go.uber.org/zap"
)

// RecordSink persists instance records for external status tooling.
type RecordSink interface {
	Save(ctx context.Context, inst *model.Instance) error
	Delete(ctx context.Context, id string) error
}

// EventPublisher receives lifecycle transitions.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event model.Event) error
}

// Reservation is returned by Reserve and proves ownership of a fresh ID.
type Reservation struct {
	ID    string
	token uint64
}

type entry struct {
	inst  *model.Instance
	token uint64
}

// Registry is the authoritative map from instance id to record.
type Registry struct {
	mu        sync.RWMutex
	items     map[string]*entry
	nextToken uint64
	sink      RecordSink
	publisher EventPublisher
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSink mirrors every mutation into the sink.
func WithSink(sink RecordSink) Option {
	return func(r *Registry) { r.sink = sink }
}

// WithPublisher publishes every state transition.
func WithPublisher(pub EventPublisher) Option {
	return func(r *Registry) { r.publisher = pub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		items: make(map[string]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reserve claims an id in state Created. It never returns an existing record.
func (r *Registry) Reserve(ctx context.Context, id string) (*Reservation, error) {
	if id == "" {
		return nil, appErr.ValidationError("id", "required")
	}
	r.mu.Lock()
	if _, ok := r.items[id]; ok {
		r.mu.Unlock()
		return nil, appErr.Newf(appErr.AlreadyExists, "instance %s already exists", id).WithDetail("instance_id", id)
	}
	r.nextToken++
	now := r.now()
	inst := &model.Instance{
		ID:        id,
		State:     model.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.items[id] = &entry{inst: inst, token: r.nextToken}
	res := &Reservation{ID: id, token: r.nextToken}
	snapshot := inst.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return res, nil
}

// Release drops a reservation that never progressed past Created.
func (r *Registry) Release(ctx context.Context, res *Reservation) {
	if res == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.items[res.ID]
	if !ok || e.token != res.token || e.inst.State != model.StateCreated {
		r.mu.Unlock()
		return
	}
	delete(r.items, res.ID)
	r.mu.Unlock()
	r.unpersist(ctx, res.ID)
}

// Commit replaces the stored record, keeping the current state and creation time.
func (r *Registry) Commit(ctx context.Context, id string, record *model.Instance) error {
	if record == nil {
		return appErr.ValidationError("record", "required")
	}
	r.mu.Lock()
	e, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return appErr.InstanceNotFoundError(id)
	}
	next := record.Clone()
	next.ID = id
	next.State = e.inst.State
	next.CreatedAt = e.inst.CreatedAt
	next.UpdatedAt = r.now()
	e.inst = next
	snapshot := next.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// Transition moves id from one state to another, failing when the current
// state differs from "from" or the lifecycle forbids the move.
func (r *Registry) Transition(ctx context.Context, id string, from, to model.State) error {
	_, err := r.Advance(ctx, id, from, to, nil)
	return err
}

// Advance performs Transition and applies mutate to the record under the same lock.
func (r *Registry) Advance(ctx context.Context, id string, from, to model.State, mutate func(*model.Instance)) (*model.Instance, error) {
	r.mu.Lock()
	e, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return nil, appErr.InstanceNotFoundError(id)
	}
	current := e.inst.State
	if current != from || !CanTransition(from, to) {
		r.mu.Unlock()
		return nil, appErr.Newf(appErr.InvalidTransition, "instance %s cannot move %s -> %s (current %s)", id, from, to, current).
			WithDetail("instance_id", id).
			WithDetail("from", string(from)).
			WithDetail("to", string(to)).
			WithDetail("current", string(current))
	}
	if mutate != nil {
		mutate(e.inst)
	}
	e.inst.ID = id
	e.inst.State = to
	e.inst.UpdatedAt = r.now()
	snapshot := e.inst.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.publish(ctx, snapshot, from)
	return snapshot.Clone(), nil
}

// Update mutates the record without changing its state.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*model.Instance)) (*model.Instance, error) {
	r.mu.Lock()
	e, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return nil, appErr.InstanceNotFoundError(id)
	}
	state := e.inst.State
	mutate(e.inst)
	e.inst.ID = id
	e.inst.State = state
	e.inst.UpdatedAt = r.now()
	snapshot := e.inst.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return snapshot.Clone(), nil
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (*model.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	if !ok {
		return nil, appErr.InstanceNotFoundError(id)
	}
	return e.inst.Clone(), nil
}

// Remove moves a settled instance to Removed and forgets it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return appErr.InstanceNotFoundError(id)
	}
	from := e.inst.State
	if !CanTransition(from, model.StateRemoved) {
		r.mu.Unlock()
		return appErr.Newf(appErr.InvalidTransition, "instance %s cannot be removed in state %s", id, from).
			WithDetail("instance_id", id).
			WithDetail("current", string(from))
	}
	e.inst.State = model.StateRemoved
	e.inst.UpdatedAt = r.now()
	snapshot := e.inst.Clone()
	delete(r.items, id)
	r.mu.Unlock()

	r.unpersist(ctx, id)
	r.publish(ctx, snapshot, from)
	return nil
}

// List returns a point-in-time snapshot sorted by id.
func (r *Registry) List() []*model.Instance {
	r.mu.RLock()
	out := make([]*model.Instance, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e.inst.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads persisted records at startup. Existing ids are skipped.
func (r *Registry) Restore(records []*model.Instance) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, ok := r.items[rec.ID]; ok {
			continue
		}
		r.nextToken++
		r.items[rec.ID] = &entry{inst: rec.Clone(), token: r.nextToken}
		loaded++
	}
	return loaded
}

func (r *Registry) persist(ctx context.Context, inst *model.Instance) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Save(ctx, inst); err != nil {
		logger.Warn(ctx, "persist instance record failed", zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

func (r *Registry) unpersist(ctx context.Context, id string) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Delete(ctx, id); err != nil {
		logger.Warn(ctx, "delete instance record failed", zap.String("instance_id", id), zap.Error(err))
	}
}

func (r *Registry) publish(ctx context.Context, inst *model.Instance, from model.State) {
	if r.publisher == nil {
		return
	}
	event := model.Event{
		InstanceID: inst.ID,
		From:       from,
		To:         inst.State,
		Error:      inst.LastError,
		At:         inst.UpdatedAt,
	}
	if inst.Endpoint != nil {
		event.Endpoint = inst.Endpoint.Key()
	}
	if err := r.publisher.PublishEvent(ctx, event); err != nil {
		logger.Warn(ctx, "publish instance event failed", zap.String("instance_id", inst.ID), zap.Error(err))
	}
}
