package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/observability"
	"github.com/signalsfoundry/emergency-routing/internal/routing"
	"github.com/signalsfoundry/emergency-routing/model"
)

// ActivationPlan splits a candidate path by what taking each segment
// involves. The three sets are disjoint; segments in none of them are free
// or already held by the requester.
type ActivationPlan struct {
	Blocked []string                `json:"blocked"`
	Preempt map[string]model.Holder `json:"preempt"`
	Share   []string                `json:"share"`
}

// PlanActivation classifies every segment of path against the live ledger
// view.
func PlanActivation(path []string, live map[string]model.Segment, req routing.Requester) ActivationPlan {
	plan := ActivationPlan{Preempt: make(map[string]model.Holder)}
	for _, id := range path {
		seg, ok := live[id]
		if !ok {
			continue
		}
		switch req.Classify(seg) {
		case routing.ContentionBlocked:
			plan.Blocked = append(plan.Blocked, id)
		case routing.ContentionPreempt:
			plan.Preempt[id] = *seg.Holder
		case routing.ContentionShare:
			plan.Share = append(plan.Share, id)
		}
	}
	return plan
}

// ActivationResult describes a committed activation.
type ActivationResult struct {
	Mission   model.Mission          `json:"mission"`
	Route     routing.Route          `json:"route"`
	Excluded  []string               `json:"excluded,omitempty"`
	Shared    []string               `json:"shared,omitempty"`
	Conflicts []model.ConflictRecord `json:"conflicts,omitempty"`
}

// ActivateMission routes a pending mission around segments it cannot take,
// displaces lower-priority holders of the rest, and commits the activation.
func (r *Resolver) ActivateMission(ctx context.Context, missionID string) (ActivationResult, error) {
	ctx, requestID := logging.EnsureRequestID(ctx)
	ctx, span := observability.Tracer().Start(ctx, "controller.ActivateMission")
	defer span.End()
	span.SetAttributes(attribute.String("mission.id", missionID), attribute.String("request.id", requestID))

	m, err := r.ledger.GetMission(ctx, missionID)
	if err != nil {
		return ActivationResult{}, err
	}
	if m.Status != model.MissionPending {
		return ActivationResult{}, fmt.Errorf("%w: %q is %s", ErrMissionNotPending, missionID, m.Status)
	}
	req := routing.Requester{MissionID: m.ID, VehicleID: m.VehicleID, Priority: m.Priority, Org: m.Org}

	route, plan, excluded, err := r.plan(ctx, m, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ActivationResult{}, err
	}

	result := ActivationResult{Route: route, Excluded: excluded, Shared: plan.Share}
	for _, holder := range groupByHolder(plan.Preempt) {
		outcome, newPath := r.displace(ctx, holder.missionID, route.Path)
		for _, segID := range holder.segments {
			rec := r.recordConflict(ctx, model.ConflictRecord{
				SegmentID:       segID,
				WinnerMissionID: m.ID,
				WinnerPriority:  m.Priority,
				LoserMissionID:  holder.missionID,
				LoserPriority:   holder.priority,
				Resolution:      model.ResolutionPreempted,
				LoserOutcome:    outcome,
				NewPath:         newPath,
			})
			result.Conflicts = append(result.Conflicts, rec)
		}
	}

	err = r.write(ctx, "activate", func(ctx context.Context) error {
		activated, err := r.ledger.ActivateMission(ctx, m.ID, route.Path)
		if err == nil {
			result.Mission = activated
		}
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.log.Error(ctx, "mission activation failed",
			logging.String("mission_id", m.ID),
			logging.Strings("path", route.Path),
			logging.Err(err),
		)
		return result, fmt.Errorf("activate %q: %w", m.ID, err)
	}

	r.log.Info(ctx, "mission activated",
		logging.String("mission_id", m.ID),
		logging.String("vehicle_id", m.VehicleID),
		logging.Int("priority", m.Priority),
		logging.Strings("path", route.Path),
		logging.Int("preempted", len(plan.Preempt)),
		logging.Int("shared", len(plan.Share)),
	)
	if r.observer != nil {
		r.observer.HandleMissionActivated(ctx, result.Mission)
	}
	r.sink.Publish(broadcast.Event{Type: broadcast.MissionActivated, Payload: result.Mission})
	return result, nil
}

// plan searches until it finds a route with no blocked segments, growing
// the hard-excluded set each round. Each round excludes at least one new
// segment, so the loop ends.
func (r *Resolver) plan(ctx context.Context, m model.Mission, req routing.Requester) (routing.Route, ActivationPlan, []string, error) {
	var excluded []string
	for {
		live, err := r.ledger.Snapshot(ctx)
		if err != nil {
			return routing.Route{}, ActivationPlan{}, nil, err
		}
		route, err := r.engine.FindPath(ctx, routing.Request{
			Origin:    m.Origin,
			Dest:      m.Dest,
			Requester: req,
			Live:      live,
			Exclude:   excluded,
		})
		if err != nil {
			return routing.Route{}, ActivationPlan{}, excluded, err
		}
		if len(route.Path) == 0 {
			return routing.Route{}, ActivationPlan{}, excluded, fmt.Errorf("%w: mission %q starts at its destination", model.ErrEmptyPath, m.ID)
		}
		plan := PlanActivation(route.Path, live, req)
		if len(plan.Blocked) == 0 {
			return route, plan, excluded, nil
		}
		r.log.Debug(ctx, "route crosses blocked segments; searching again",
			logging.String("mission_id", m.ID),
			logging.Strings("blocked", plan.Blocked),
		)
		excluded = append(excluded, plan.Blocked...)
	}
}

type displacedHolder struct {
	missionID string
	priority  int
	segments  []string
}

// groupByHolder turns a segment→holder map into one entry per holder, in a
// stable order.
func groupByHolder(preempt map[string]model.Holder) []displacedHolder {
	byMission := make(map[string]*displacedHolder)
	for segID, h := range preempt {
		d, ok := byMission[h.MissionID]
		if !ok {
			d = &displacedHolder{missionID: h.MissionID, priority: h.Priority}
			byMission[h.MissionID] = d
		}
		d.segments = append(d.segments, segID)
	}
	out := make([]displacedHolder, 0, len(byMission))
	for _, d := range byMission {
		sort.Strings(d.segments)
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].missionID < out[j].missionID })
	return out
}

// CreateAndActivate creates a pending mission for the vehicle and activates
// it. A mission that cannot be activated is aborted so the vehicle is not
// left with a dangling pending mission.
func (r *Resolver) CreateAndActivate(ctx context.Context, vehicleID, origin, dest string) (ActivationResult, error) {
	m, err := r.ledger.CreateMission(ctx, ledger.MissionSpec{VehicleID: vehicleID, Origin: origin, Dest: dest})
	if err != nil {
		return ActivationResult{}, err
	}
	r.sink.Publish(broadcast.Event{Type: broadcast.MissionCreated, Payload: m})

	res, err := r.ActivateMission(ctx, m.ID)
	if err != nil {
		reason := fmt.Sprintf("activation failed: %v", err)
		if _, abortErr := r.ledger.AbortMission(ctx, m.ID, reason); abortErr != nil && !ledger.IsIdempotent(abortErr) {
			return res, errors.Join(err, abortErr)
		}
		r.sink.Publish(broadcast.Event{Type: broadcast.MissionAborted, Payload: map[string]any{
			"missionId": m.ID,
			"reason":    reason,
		}})
		return res, err
	}
	return res, nil
}

// Preview is what activation would do, computed without writing.
type Preview struct {
	Route    routing.Route         `json:"route"`
	Analysis routing.RouteAnalysis `json:"analysis"`
	Plan     ActivationPlan        `json:"plan"`
	Excluded []string              `json:"excluded,omitempty"`
}

// PreviewRoute computes the route and contention analysis the vehicle would
// get if a mission were activated now.
func (r *Resolver) PreviewRoute(ctx context.Context, vehicleID, origin, dest string) (Preview, error) {
	v, err := r.ledger.GetVehicle(ctx, vehicleID)
	if err != nil {
		return Preview{}, err
	}
	m := model.Mission{VehicleID: v.ID, Org: v.Org, Priority: v.Priority, Origin: origin, Dest: dest}
	req := routing.Requester{VehicleID: v.ID, Priority: v.Priority, Org: v.Org}
	route, plan, excluded, err := r.plan(ctx, m, req)
	if err != nil {
		return Preview{}, err
	}
	live, err := r.ledger.Snapshot(ctx)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Route:    route,
		Analysis: routing.AnalyzeRoute(route.Path, live, req),
		Plan:     plan,
		Excluded: excluded,
	}, nil
}
