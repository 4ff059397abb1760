package sim

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/sim/state"
	"github.com/signalsfoundry/emergency-routing/model"
)

// AddMission starts simulating the vehicle of an active mission. The
// vehicle moves at once when the simulation is running and waits idle
// otherwise.
func (e *Engine) AddMission(m model.Mission) error {
	if m.Status != model.MissionActive {
		return e.missionError(m.ID, "is %s", m.Status)
	}
	if len(m.Path) == 0 {
		return e.missionError(m.ID, "has no path")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	status := state.StatusIdle
	if e.running && !e.paused {
		status = state.StatusMoving
	}
	v := state.Vehicle{
		VehicleID: m.VehicleID,
		MissionID: m.ID,
		Org:       m.Org,
		Priority:  m.Priority,
		Path:      slices.Clone(m.Path),
		Start:     m.StartNode(),
		Origin:    m.Origin,
		Dest:      m.Dest,
		Status:    status,
		StartedAt: e.now(),
	}
	if err := e.registry.Add(v); err != nil {
		return err
	}
	e.log.Info(context.Background(), "vehicle added to simulation",
		logging.String("vehicle_id", v.VehicleID),
		logging.String("mission_id", v.MissionID),
		logging.Int("segments", len(v.Path)),
		logging.String("status", string(v.Status)),
	)
	e.publishPosition(v)
	e.sink.Publish(broadcast.Event{Type: broadcast.VehicleAdded, Payload: map[string]any{
		"vehicleId": v.VehicleID,
		"missionId": v.MissionID,
		"status":    v.Status,
	}})
	return nil
}

// RemoveVehicle stops simulating a vehicle without touching the ledger.
func (e *Engine) RemoveVehicle(vehicleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.registry.Remove(vehicleID)
	return ok
}

// SimulateMission loads one active mission from the ledger and makes sure
// the simulation is running.
func (e *Engine) SimulateMission(ctx context.Context, missionID string) error {
	m, err := e.ledger.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if err := e.AddMission(m); err != nil && !errors.Is(err, state.ErrVehicleExists) {
		return err
	}
	return e.Start(ctx)
}

// HandleMissionActivated starts simulating a freshly activated mission.
func (e *Engine) HandleMissionActivated(ctx context.Context, m model.Mission) {
	if err := e.AddMission(m); err != nil {
		e.log.Warn(ctx, "activated mission not simulated",
			logging.String("mission_id", m.ID),
			logging.Err(err),
		)
	}
}

// HandleMissionRerouted moves the mission's vehicle onto newPath, which
// leaves from start. The vehicle continues from its current segment when
// the new path contains it, keeping its progress; otherwise it starts the
// new path from the beginning.
func (e *Engine) HandleMissionRerouted(ctx context.Context, missionID string, newPath []string, start string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.registry.ByMission(missionID)
	if !ok {
		e.log.Debug(ctx, "reroute for a mission not in the simulation", logging.String("mission_id", missionID))
		return
	}
	if len(newPath) == 0 {
		e.log.Warn(ctx, "ignoring reroute to an empty path", logging.String("mission_id", missionID))
		return
	}

	seg := current.CurrentSegment()
	idx := slices.Index(newPath, seg)
	v, err := e.registry.Update(current.VehicleID, func(v *state.Vehicle) {
		v.Path = slices.Clone(newPath)
		v.Start = start
		if idx >= 0 {
			v.SegmentIndex = idx
			return
		}
		v.SegmentIndex = 0
		v.Progress = 0
	})
	if err != nil {
		return
	}
	e.log.Info(ctx, "vehicle rerouted",
		logging.String("vehicle_id", v.VehicleID),
		logging.String("mission_id", missionID),
		logging.Strings("new_path", newPath),
		logging.Int("segment_index", v.SegmentIndex),
	)
	e.publishPosition(v)
	e.sink.Publish(broadcast.Event{Type: broadcast.VehicleRerouted, Payload: map[string]any{
		"vehicleId":           v.VehicleID,
		"missionId":           missionID,
		"newPath":             v.Path,
		"currentSegmentIndex": v.SegmentIndex,
		"currentSegment":      v.CurrentSegment(),
	}})
}

// HandleMissionAborted stops simulating the mission's vehicle.
func (e *Engine) HandleMissionAborted(ctx context.Context, missionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.registry.ByMission(missionID)
	if !ok {
		return
	}
	v, err := e.registry.Update(current.VehicleID, func(v *state.Vehicle) { v.Status = state.StatusAborted })
	if err != nil {
		return
	}
	e.registry.Remove(v.VehicleID)
	e.log.Info(ctx, "vehicle aborted",
		logging.String("vehicle_id", v.VehicleID),
		logging.String("mission_id", missionID),
		logging.String("segment", v.CurrentSegment()),
	)
	e.sink.Publish(broadcast.Event{Type: broadcast.VehicleAborted, Payload: map[string]any{
		"vehicleId":      v.VehicleID,
		"missionId":      missionID,
		"currentSegment": v.CurrentSegment(),
	}})
}

// LoadActiveMissions registers every active ledger mission with a path
// that is not already simulated and returns how many were added. Calling
// it again adds nothing new.
func (e *Engine) LoadActiveMissions(ctx context.Context) (int, error) {
	missions, err := e.ledger.ListMissions(ctx, ledger.MissionFilter{Status: model.MissionActive})
	if err != nil {
		return 0, err
	}
	added := 0
	for _, m := range missions {
		if len(m.Path) == 0 {
			continue
		}
		if _, ok := e.registry.ByMission(m.ID); ok {
			continue
		}
		if _, ok := e.registry.Get(m.VehicleID); ok {
			continue
		}
		if err := e.AddMission(m); err != nil {
			e.log.Warn(ctx, "skipping active mission", logging.String("mission_id", m.ID), logging.Err(err))
			continue
		}
		added++
	}
	e.log.Info(ctx, "loaded active missions",
		logging.Int("active", len(missions)),
		logging.Int("added", added),
	)
	return added, nil
}

// Reload picks up active missions the simulation does not know yet.
func (e *Engine) Reload(ctx context.Context) (int, error) {
	added, err := e.LoadActiveMissions(ctx)
	if err != nil {
		return 0, err
	}
	e.sink.Publish(broadcast.Event{Type: broadcast.SimulationReloaded, Payload: e.Status()})
	return added, nil
}

// CurrentSegment reports the segment the mission's vehicle is on.
func (e *Engine) CurrentSegment(missionID string) (string, bool) {
	return e.registry.CurrentSegment(missionID)
}

// Status summarises the simulation.
type Status struct {
	Running           bool                 `json:"running"`
	Paused            bool                 `json:"paused"`
	Speed             float64              `json:"speedMultiplier"`
	TickInterval      time.Duration        `json:"tickInterval"`
	SegmentTravelTime time.Duration        `json:"segmentTravelTime"`
	Vehicles          int                  `json:"vehicles"`
	ActiveVehicles    int                  `json:"activeVehicles"`
	ByStatus          map[state.Status]int `json:"byStatus"`
}

// Status returns a snapshot of the simulation state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	counts := e.registry.Counts()
	return Status{
		Running:           e.running,
		Paused:            e.paused,
		Speed:             e.speed,
		TickInterval:      e.tickInterval,
		SegmentTravelTime: e.travelTime,
		Vehicles:          e.registry.Len(),
		ActiveVehicles:    counts[state.StatusMoving],
		ByStatus:          counts,
	}
}
