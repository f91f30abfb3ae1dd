// Package repository persists instance records and publishes lifecycle events.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"egressfleet/internal/fleet/model"
	appErr "egressfleet/pkg/errors"
)

// Store persists one JSON record per instance.
type Store interface {
	Save(ctx context.Context, inst *model.Instance) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context, id string) (*model.Instance, error)
	List(ctx context.Context) ([]*model.Instance, error)
}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id can be used as a record key on every backend.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

func checkID(id string) error {
	if !ValidID(id) {
		return appErr.ValidationError("id", "must match [A-Za-z0-9][A-Za-z0-9_.-]{0,127}")
	}
	return nil
}

func encode(inst *model.Instance) ([]byte, error) {
	if inst == nil {
		return nil, appErr.ValidationError("record", "required")
	}
	if err := checkID(inst.ID); err != nil {
		return nil, err
	}
	// Proxy passwords stay in the endpoint list; records only name the
	// endpoint and the pool supplies credentials again on start.
	if inst.Endpoint != nil && inst.Endpoint.Password != "" {
		stripped := *inst
		ep := inst.Endpoint.WithoutSecret()
		stripped.Endpoint = &ep
		inst = &stripped
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	return data, nil
}

func decode(id string, data []byte) (*model.Instance, error) {
	var inst model.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decode instance record %s", id)
	}
	if inst.ID == "" {
		inst.ID = id
	}
	return &inst, nil
}

func notFound(id string) error {
	return appErr.Newf(appErr.RecordNotFound, "instance record %s not found", id).WithDetail("instance_id", id)
}
