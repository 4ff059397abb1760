package ledger

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/emergency-routing/model"
)

// ReserveSegment claims a segment for one of the caller's vehicles. A
// reservation held by another mission is overwritten and returned.
func (c *Client) ReserveSegment(ctx context.Context, segmentID, vehicleID, missionID string, priority int) (*model.Holder, error) {
	if !model.ValidPriority(priority) {
		return nil, fmt.Errorf("%w: priority %d outside %d-%d", ErrInvalidArgument, priority, model.HighestPriority, model.LowestPriority)
	}
	var displaced *model.Holder
	err := c.segmentWrite(ctx, segmentID, vehicleID, func(v model.Vehicle, s *model.Segment) error {
		var err error
		displaced, err = s.Reserve(model.Holder{
			VehicleID: v.ID,
			MissionID: missionID,
			Org:       v.Org,
			Priority:  priority,
		}, c.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return displaced, nil
}

// ReleaseSegment frees a segment held by one of the caller's vehicles.
func (c *Client) ReleaseSegment(ctx context.Context, segmentID, vehicleID string) error {
	return c.segmentWrite(ctx, segmentID, vehicleID, func(v model.Vehicle, s *model.Segment) error {
		return s.Release(v.ID)
	})
}

// OccupySegment records that the vehicle has physically entered the
// segment it reserved.
func (c *Client) OccupySegment(ctx context.Context, segmentID, vehicleID string) error {
	return c.segmentWrite(ctx, segmentID, vehicleID, func(v model.Vehicle, s *model.Segment) error {
		return s.Occupy(v.ID, c.now())
	})
}

func (c *Client) segmentWrite(ctx context.Context, segmentID, vehicleID string, apply func(model.Vehicle, *model.Segment) error) error {
	if segmentID == "" {
		return fmt.Errorf("%w: segment id is required", ErrInvalidArgument)
	}
	t := c.begin(ctx)
	v, err := t.vehicle(vehicleID)
	if err != nil {
		return err
	}
	if err := c.requireOrg(v.Org, "vehicle", vehicleID); err != nil {
		return err
	}
	s, err := t.segment(segmentID)
	if err != nil {
		return err
	}
	if err := apply(v, &s); err != nil {
		return err
	}
	if err := t.put(KindSegment, segmentID, s); err != nil {
		return err
	}
	return t.commit()
}

// GetSegment returns the live record, or a free segment when the ledger has
// never seen segmentID.
func (c *Client) GetSegment(ctx context.Context, segmentID string) (model.Segment, error) {
	return c.begin(ctx).segment(segmentID)
}

// ListSegments returns every segment the ledger has a record of.
func (c *Client) ListSegments(ctx context.Context) ([]model.Segment, error) {
	return listAll[model.Segment](ctx, c.backend, KindSegment)
}

// Snapshot returns the live segments keyed by id. Segments absent from the
// map are free.
func (c *Client) Snapshot(ctx context.Context) (map[string]model.Segment, error) {
	segs, err := c.ListSegments(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Segment, len(segs))
	for _, s := range segs {
		out[s.ID] = s
	}
	return out, nil
}
