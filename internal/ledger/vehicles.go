package ledger

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/emergency-routing/model"
)

// VehicleFilter narrows ListVehicles. Zero fields match everything.
type VehicleFilter struct {
	Org    model.Org
	Status model.VehicleStatus
}

func (f VehicleFilter) match(v model.Vehicle) bool {
	return (f.Org == "" || v.Org == f.Org) && (f.Status == "" || v.Status == f.Status)
}

// RegisterVehicle validates v and stores it as active. Only the vehicle's
// own organization may register it.
func (c *Client) RegisterVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
	if err := v.Validate(); err != nil {
		return model.Vehicle{}, err
	}
	if err := c.requireOrg(v.Org, "vehicle", v.ID); err != nil {
		return model.Vehicle{}, err
	}

	t := c.begin(ctx)
	var existing model.Vehicle
	found, err := t.load(KindVehicle, v.ID, &existing)
	if err != nil {
		return model.Vehicle{}, err
	}
	if found {
		return model.Vehicle{}, fmt.Errorf("%w: vehicle %q", ErrAlreadyExists, v.ID)
	}

	now := c.now()
	if v.Status == "" {
		v.Status = model.VehicleActive
	}
	v.RegisteredAt = now
	v.UpdatedAt = now
	if err := t.put(KindVehicle, v.ID, v); err != nil {
		return model.Vehicle{}, err
	}
	if err := t.commit(); err != nil {
		return model.Vehicle{}, err
	}
	return v, nil
}

// UpdateVehicleStatus sets the operator-visible status of a vehicle.
func (c *Client) UpdateVehicleStatus(ctx context.Context, id string, status model.VehicleStatus) (model.Vehicle, error) {
	if !status.Valid() {
		return model.Vehicle{}, fmt.Errorf("%w: unknown vehicle status %q", ErrInvalidArgument, status)
	}
	return c.updateVehicle(ctx, id, func(v *model.Vehicle) { v.Status = status })
}

// UpdateVehiclePriority changes the priority used for future missions.
// Existing missions keep the priority they were created with.
func (c *Client) UpdateVehiclePriority(ctx context.Context, id string, priority int) (model.Vehicle, error) {
	if !model.ValidPriority(priority) {
		return model.Vehicle{}, fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidArgument, priority, model.HighestPriority, model.LowestPriority)
	}
	return c.updateVehicle(ctx, id, func(v *model.Vehicle) { v.Priority = priority })
}

func (c *Client) updateVehicle(ctx context.Context, id string, mutate func(*model.Vehicle)) (model.Vehicle, error) {
	t := c.begin(ctx)
	v, err := t.vehicle(id)
	if err != nil {
		return model.Vehicle{}, err
	}
	if err := c.requireOrg(v.Org, "vehicle", id); err != nil {
		return model.Vehicle{}, err
	}
	mutate(&v)
	v.UpdatedAt = c.now()
	if err := t.put(KindVehicle, id, v); err != nil {
		return model.Vehicle{}, err
	}
	if err := t.commit(); err != nil {
		return model.Vehicle{}, err
	}
	return v, nil
}

// GetVehicle returns a vehicle of any organization.
func (c *Client) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	return c.begin(ctx).vehicle(id)
}

// ListVehicles returns vehicles matching f ordered by id.
func (c *Client) ListVehicles(ctx context.Context, f VehicleFilter) ([]model.Vehicle, error) {
	all, err := listAll[model.Vehicle](ctx, c.backend, KindVehicle)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, v := range all {
		if f.match(v) {
			out = append(out, v)
		}
	}
	return out, nil
}
