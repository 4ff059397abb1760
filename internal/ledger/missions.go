package ledger

import (
	"context"
	"fmt"
	"slices"

	"github.com/signalsfoundry/emergency-routing/model"
)

// MissionSpec describes a mission to create. An empty ID is replaced with a
// generated UUID.
type MissionSpec struct {
	ID        string
	VehicleID string
	Origin    string
	Dest      string
}

// MissionFilter narrows ListMissions. Zero fields match everything.
type MissionFilter struct {
	Status    model.MissionStatus
	Org       model.Org
	VehicleID string
}

func (f MissionFilter) match(m model.Mission) bool {
	return (f.Status == "" || m.Status == f.Status) &&
		(f.Org == "" || m.Org == f.Org) &&
		(f.VehicleID == "" || m.VehicleID == f.VehicleID)
}

// CreateMission stores a pending mission for one of the caller's vehicles.
// The mission takes the vehicle's current priority.
func (c *Client) CreateMission(ctx context.Context, spec MissionSpec) (model.Mission, error) {
	if spec.ID == "" {
		spec.ID = c.newID()
	}
	if spec.VehicleID == "" {
		return model.Mission{}, fmt.Errorf("%w: mission %q needs a vehicle", ErrInvalidArgument, spec.ID)
	}

	t := c.begin(ctx)
	v, err := t.vehicle(spec.VehicleID)
	if err != nil {
		return model.Mission{}, err
	}
	if err := c.requireOrg(v.Org, "vehicle", v.ID); err != nil {
		return model.Mission{}, err
	}
	if v.Status == model.VehicleOnMission {
		return model.Mission{}, fmt.Errorf("%w: %q", ErrVehicleBusy, v.ID)
	}

	var existing model.Mission
	found, err := t.load(KindMission, spec.ID, &existing)
	if err != nil {
		return model.Mission{}, err
	}
	if found {
		return model.Mission{}, fmt.Errorf("%w: mission %q", ErrAlreadyExists, spec.ID)
	}

	m, err := model.NewMission(spec.ID, v, spec.Origin, spec.Dest, c.now())
	if err != nil {
		return model.Mission{}, err
	}
	if err := t.put(KindMission, m.ID, m); err != nil {
		return model.Mission{}, err
	}
	if err := t.commit(); err != nil {
		return model.Mission{}, err
	}
	return m, nil
}

// ActivateMission assigns path to a pending mission, reserves every segment
// on it and marks the vehicle on_mission. Any segment occupied by another
// vehicle fails the whole activation; nothing is written.
func (c *Client) ActivateMission(ctx context.Context, id string, path []string) (model.Mission, error) {
	t := c.begin(ctx)
	m, err := c.ownedMission(t, id)
	if err != nil {
		return model.Mission{}, err
	}
	now := c.now()
	if err := m.Activate(path, now); err != nil {
		return model.Mission{}, err
	}
	if err := c.reserveAll(t, m, m.Path); err != nil {
		return model.Mission{}, fmt.Errorf("activate %q: %w", id, err)
	}
	if err := c.setVehicleStatus(t, m.VehicleID, model.VehicleOnMission); err != nil {
		return model.Mission{}, err
	}
	if err := t.put(KindMission, m.ID, m); err != nil {
		return model.Mission{}, err
	}
	if err := t.commit(); err != nil {
		return model.Mission{}, err
	}
	return m, nil
}

// CompleteMission finishes an active mission, releasing whatever its
// vehicle still holds and returning the vehicle to active.
func (c *Client) CompleteMission(ctx context.Context, id string) (model.Mission, error) {
	return c.finish(ctx, id, func(m *model.Mission) error { return m.Complete(c.now()) })
}

// AbortMission ends a pending or active mission with reason.
func (c *Client) AbortMission(ctx context.Context, id, reason string) (model.Mission, error) {
	return c.finish(ctx, id, func(m *model.Mission) error { return m.Abort(reason, c.now()) })
}

func (c *Client) finish(ctx context.Context, id string, transition func(*model.Mission) error) (model.Mission, error) {
	t := c.begin(ctx)
	m, err := c.ownedMission(t, id)
	if err != nil {
		return model.Mission{}, err
	}
	if err := transition(&m); err != nil {
		return model.Mission{}, err
	}
	if err := c.releaseHeld(t, m.VehicleID, m.Path); err != nil {
		return model.Mission{}, err
	}
	if err := c.setVehicleStatus(t, m.VehicleID, model.VehicleActive); err != nil {
		return model.Mission{}, err
	}
	if err := t.put(KindMission, m.ID, m); err != nil {
		return model.Mission{}, err
	}
	if err := t.commit(); err != nil {
		return model.Mission{}, err
	}
	return m, nil
}

// UpdateMissionPath replaces the path of an active mission with one leaving
// from start. Segments the vehicle held that are not on the new path are
// released; the new path is reserved.
func (c *Client) UpdateMissionPath(ctx context.Context, id string, newPath []string, start string) (model.Mission, error) {
	t := c.begin(ctx)
	m, err := c.ownedMission(t, id)
	if err != nil {
		return model.Mission{}, err
	}
	old := m.Path
	if err := m.Reroute(newPath, start, c.now()); err != nil {
		return model.Mission{}, err
	}
	var dropped []string
	for _, seg := range old {
		if !slices.Contains(m.Path, seg) {
			dropped = append(dropped, seg)
		}
	}
	if err := c.releaseHeld(t, m.VehicleID, dropped); err != nil {
		return model.Mission{}, err
	}
	if err := c.reserveAll(t, m, m.Path); err != nil {
		return model.Mission{}, fmt.Errorf("reroute %q: %w", id, err)
	}
	if err := t.put(KindMission, m.ID, m); err != nil {
		return model.Mission{}, err
	}
	if err := t.commit(); err != nil {
		return model.Mission{}, err
	}
	return m, nil
}

// GetMission returns a mission of any organization.
func (c *Client) GetMission(ctx context.Context, id string) (model.Mission, error) {
	return c.begin(ctx).mission(id)
}

// ListMissions returns missions matching f ordered by id.
func (c *Client) ListMissions(ctx context.Context, f MissionFilter) ([]model.Mission, error) {
	all, err := listAll[model.Mission](ctx, c.backend, KindMission)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if f.match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) ownedMission(t *txn, id string) (model.Mission, error) {
	m, err := t.mission(id)
	if err != nil {
		return model.Mission{}, err
	}
	if err := c.requireOrg(m.Org, "mission", id); err != nil {
		return model.Mission{}, err
	}
	return m, nil
}

func (c *Client) reserveAll(t *txn, m model.Mission, path []string) error {
	holder := model.Holder{VehicleID: m.VehicleID, MissionID: m.ID, Org: m.Org, Priority: m.Priority}
	now := c.now()
	for _, id := range path {
		s, err := t.segment(id)
		if err != nil {
			return err
		}
		if _, err := s.Reserve(holder, now); err != nil {
			return err
		}
		if err := t.put(KindSegment, id, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) releaseHeld(t *txn, vehicleID string, path []string) error {
	for _, id := range path {
		s, err := t.segment(id)
		if err != nil {
			return err
		}
		if !s.HeldBy(vehicleID) {
			continue
		}
		if err := s.Release(vehicleID); err != nil {
			return err
		}
		if err := t.put(KindSegment, id, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) setVehicleStatus(t *txn, id string, status model.VehicleStatus) error {
	v, err := t.vehicle(id)
	if err != nil {
		return err
	}
	v.Status = status
	v.UpdatedAt = c.now()
	return t.put(KindVehicle, id, v)
}
