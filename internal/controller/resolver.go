// Package controller arbitrates contested road segments between missions:
// availability rules, reservation with preemption, rerouting, aborts, and
// the activation sequence that ties them together.
package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/observability"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/routing"
	"github.com/signalsfoundry/emergency-routing/model"
)

var (
	ErrSegmentBlocked    = errors.New("controller: segment blocked")
	ErrMissionNotActive  = errors.New("controller: mission not active")
	ErrMissionNotPending = errors.New("controller: mission not pending")
	// ErrCrossOrgMission is returned when a mission belongs to an
	// organization the resolver holds no ledger identity for.
	ErrCrossOrgMission = errors.New("controller: mission belongs to another organization")
)

// Ledger is the subset of the ledger client the resolver writes through.
type Ledger interface {
	Org() model.Org
	GetSegment(ctx context.Context, id string) (model.Segment, error)
	Snapshot(ctx context.Context) (map[string]model.Segment, error)
	GetVehicle(ctx context.Context, id string) (model.Vehicle, error)
	GetMission(ctx context.Context, id string) (model.Mission, error)
	CreateMission(ctx context.Context, spec ledger.MissionSpec) (model.Mission, error)
	ActivateMission(ctx context.Context, id string, path []string) (model.Mission, error)
	UpdateMissionPath(ctx context.Context, id string, path []string, start string) (model.Mission, error)
	AbortMission(ctx context.Context, id, reason string) (model.Mission, error)
	ReserveSegment(ctx context.Context, segmentID, vehicleID, missionID string, priority int) (*model.Holder, error)
}

// PositionLocator reports which segment a mission's vehicle is on.
type PositionLocator interface {
	CurrentSegment(missionID string) (string, bool)
}

// MissionObserver is told about mission changes the resolver commits.
type MissionObserver interface {
	HandleMissionActivated(ctx context.Context, m model.Mission)
	HandleMissionRerouted(ctx context.Context, missionID string, newPath []string, start string)
	HandleMissionAborted(ctx context.Context, missionID string)
}

// Recorder receives resolver measurements.
type Recorder interface {
	IncAvailability(decision string)
	IncConflict(resolution string)
	IncPreemptions()
	IncReroutes(outcome string)
	IncLedgerRetry(op string)
	IncLedgerFailure(op string)
}

// Availability is the outcome of the availability rules for one segment.
type Availability struct {
	Available          bool      `json:"available"`
	RequiresPreemption bool      `json:"requiresPreemption"`
	RequiresSharing    bool      `json:"requiresSharing"`
	HolderMissionID    string    `json:"holderMissionId,omitempty"`
	HolderVehicleID    string    `json:"holderVehicleId,omitempty"`
	HolderPriority     int       `json:"holderPriority,omitempty"`
	HolderOrg          model.Org `json:"holderOrg,omitempty"`
}

// ReservationResult reports what ReservePathWithResolution did.
type ReservationResult struct {
	Reserved  []string `json:"reserved"`
	Preempted []string `json:"preempted"`
	Rerouted  []string `json:"rerouted"`
	Aborted   []string `json:"aborted"`
	Stranded  []string `json:"stranded"`
}

// Resolver applies the conflict rules against the ledger.
type Resolver struct {
	ledger   Ledger
	peers    map[model.Org]Ledger
	engine   *routing.Engine
	sink     broadcast.Sink
	observer MissionObserver
	locator  PositionLocator
	metrics  Recorder
	history  *History
	policy   retry.Policy
	log      logging.Logger
	now      func() time.Time
}

// Option customises a Resolver.
type Option func(*Resolver)

func WithLogger(l logging.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.log = l
		}
	}
}

func WithSink(s broadcast.Sink) Option {
	return func(r *Resolver) {
		if s != nil {
			r.sink = s
		}
	}
}

func WithObserver(o MissionObserver) Option { return func(r *Resolver) { r.observer = o } }
func WithLocator(l PositionLocator) Option  { return func(r *Resolver) { r.locator = l } }
func WithMetrics(m Recorder) Option         { return func(r *Resolver) { r.metrics = m } }
func WithHistory(h *History) Option         { return func(r *Resolver) { r.history = h } }
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// WithRetryPolicy sets the backoff used for ledger writes. The retryable
// and satisfied predicates are always the ledger's own.
func WithRetryPolicy(p retry.Policy) Option { return func(r *Resolver) { r.policy = p } }

// WithPeers gives the resolver ledger identities for other organizations,
// letting it reroute and abort their missions.
func WithPeers(peers ...Ledger) Option {
	return func(r *Resolver) {
		for _, p := range peers {
			if p != nil {
				r.peers[p.Org()] = p
			}
		}
	}
}

// NewResolver builds a resolver writing as l's organization.
func NewResolver(l Ledger, engine *routing.Engine, opts ...Option) *Resolver {
	r := &Resolver{
		ledger:  l,
		peers:   make(map[model.Org]Ledger),
		engine:  engine,
		sink:    broadcast.Discard(),
		history: NewHistory(DefaultHistoryLimit),
		policy:  retry.DefaultPolicy(),
		log:     logging.Noop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.policy.Retryable = ledger.IsRetryable
	r.policy.Satisfied = nil
	return r
}

// History returns the conflict history.
func (r *Resolver) History() *History { return r.history }

// Engine returns the pathfinding engine.
func (r *Resolver) Engine() *routing.Engine { return r.engine }

// clientFor returns the ledger identity able to write missions of org.
func (r *Resolver) clientFor(org model.Org) (Ledger, bool) {
	if org == r.ledger.Org() {
		return r.ledger, true
	}
	l, ok := r.peers[org]
	return l, ok
}

// Evaluate applies the availability rules to a segment snapshot.
func Evaluate(seg model.Segment, req routing.Requester) Availability {
	var a Availability
	if seg.Holder != nil && !req.Owns(seg) {
		a.HolderMissionID = seg.Holder.MissionID
		a.HolderVehicleID = seg.Holder.VehicleID
		a.HolderPriority = seg.HolderPriority()
		a.HolderOrg = seg.Holder.Org
	}
	switch req.Classify(seg) {
	case routing.ContentionNone:
		a.Available = true
	case routing.ContentionShare:
		a.Available = true
		a.RequiresSharing = true
	case routing.ContentionPreempt:
		a.Available = true
		a.RequiresPreemption = true
	}
	return a
}

func (a Availability) decision() string {
	switch {
	case !a.Available:
		return routing.ContentionBlocked.String()
	case a.RequiresPreemption:
		return routing.ContentionPreempt.String()
	case a.RequiresSharing:
		return routing.ContentionShare.String()
	default:
		return routing.ContentionNone.String()
	}
}

// CheckAvailability reads the live segment and evaluates it for the
// requester.
func (r *Resolver) CheckAvailability(ctx context.Context, segmentID, missionID string, priority int, org model.Org) (Availability, error) {
	return r.checkAvailability(ctx, segmentID, routing.Requester{MissionID: missionID, Priority: priority, Org: org})
}

func (r *Resolver) checkAvailability(ctx context.Context, segmentID string, req routing.Requester) (Availability, error) {
	seg, err := r.ledger.GetSegment(ctx, segmentID)
	if err != nil {
		r.incAvailability("error")
		return Availability{}, fmt.Errorf("read segment %q: %w", segmentID, err)
	}
	a := Evaluate(seg, req)
	r.incAvailability(a.decision())
	return a, nil
}

// ReservePathWithResolution reserves path segment by segment for the
// mission, preempting lower-priority holders of other organizations on the
// way. A blocked segment stops the walk; segments reserved before it stay
// reserved and are reported in the result.
func (r *Resolver) ReservePathWithResolution(ctx context.Context, missionID string, path []string, priority int, vehicleID string) (ReservationResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "controller.ReservePathWithResolution")
	defer span.End()
	span.SetAttributes(attribute.String("mission.id", missionID), attribute.Int("path.segments", len(path)))

	var res ReservationResult
	v, err := r.ledger.GetVehicle(ctx, vehicleID)
	if err != nil {
		return res, err
	}
	req := routing.Requester{MissionID: missionID, VehicleID: vehicleID, Priority: priority, Org: v.Org}
	for _, segID := range path {
		a, err := r.checkAvailability(ctx, segID, req)
		if err != nil {
			return res, err
		}
		if !a.Available {
			r.recordBlocked(ctx, segID, a, missionID, priority)
			span.SetStatus(codes.Error, "segment blocked")
			return res, fmt.Errorf("%w: %q held by mission %q", ErrSegmentBlocked, segID, a.HolderMissionID)
		}
		if a.RequiresPreemption {
			res.Preempted = append(res.Preempted, a.HolderMissionID)
			outcome, newPath := r.displace(ctx, a.HolderMissionID, path)
			switch outcome {
			case model.OutcomeRerouted:
				res.Rerouted = append(res.Rerouted, a.HolderMissionID)
			case model.OutcomeStranded:
				res.Stranded = append(res.Stranded, a.HolderMissionID)
			default:
				res.Aborted = append(res.Aborted, a.HolderMissionID)
			}
			r.recordConflict(ctx, model.ConflictRecord{
				SegmentID:       segID,
				WinnerMissionID: missionID,
				WinnerPriority:  priority,
				LoserMissionID:  a.HolderMissionID,
				LoserPriority:   a.HolderPriority,
				Resolution:      model.ResolutionPreempted,
				LoserOutcome:    outcome,
				NewPath:         newPath,
			})
		}
		err = r.write(ctx, "reserve", func(ctx context.Context) error {
			_, err := r.ledger.ReserveSegment(ctx, segID, vehicleID, missionID, priority)
			return err
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("reserve %q: %w", segID, err)
		}
		res.Reserved = append(res.Reserved, segID)
	}
	return res, nil
}

// displace reroutes a preempted holder around the winner's whole path,
// reporting what became of it. Free segments of that path are excluded too,
// since the winner reserves them right after.
func (r *Resolver) displace(ctx context.Context, holderMissionID string, winnerPath []string) (model.LoserOutcome, []string) {
	if r.metrics != nil {
		r.metrics.IncPreemptions()
	}
	route, err := r.RerouteMission(ctx, holderMissionID, winnerPath)
	switch {
	case err == nil:
		return model.OutcomeRerouted, route.Path
	case errors.Is(err, ErrCrossOrgMission):
		return model.OutcomeStranded, nil
	default:
		return model.OutcomeAborted, nil
	}
}

// RerouteMission moves an active mission onto a new path that avoids
// exclude, starting from where its vehicle currently is. The new path never
// takes a segment from another mission: segments the mission could only
// get by preemption, or not at all, are avoided as well. When no such path
// exists or the new path cannot be written, the mission is aborted and the
// failure returned.
func (r *Resolver) RerouteMission(ctx context.Context, missionID string, exclude []string) (routing.Route, error) {
	ctx, span := observability.Tracer().Start(ctx, "controller.RerouteMission")
	defer span.End()
	span.SetAttributes(attribute.String("mission.id", missionID), attribute.StringSlice("route.exclude", exclude))

	m, err := r.ledger.GetMission(ctx, missionID)
	if err != nil {
		return routing.Route{}, err
	}
	if m.Status != model.MissionActive {
		return routing.Route{}, fmt.Errorf("%w: %q is %s", ErrMissionNotActive, missionID, m.Status)
	}

	var route routing.Route
	client, ok := r.clientFor(m.Org)
	if !ok {
		err = fmt.Errorf("%w: %q belongs to %s", ErrCrossOrgMission, missionID, m.Org)
	} else {
		route, err = r.planReroute(ctx, m, exclude)
	}
	if err == nil {
		err = r.write(ctx, "update_path", func(ctx context.Context) error {
			_, err := client.UpdateMissionPath(ctx, missionID, route.Path, route.NodePath[0])
			return err
		})
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn(ctx, "reroute failed; aborting mission",
			logging.String("mission_id", missionID),
			logging.Strings("exclude", exclude),
			logging.Err(err),
		)
		abortErr := r.AbortDueToConflict(ctx, missionID, fmt.Sprintf("no alternative route: %v", err))
		return routing.Route{}, errors.Join(err, abortErr)
	}

	r.incReroutes(string(model.OutcomeRerouted))
	r.log.Info(ctx, "mission rerouted",
		logging.String("mission_id", missionID),
		logging.Strings("path", route.Path),
		logging.Strings("exclude", exclude),
	)
	if r.observer != nil {
		r.observer.HandleMissionRerouted(ctx, missionID, route.Path, route.NodePath[0])
	}
	r.sink.Publish(broadcast.Event{Type: broadcast.MissionRerouted, Payload: map[string]any{
		"missionId": missionID,
		"newPath":   route.Path,
		"excluded":  exclude,
	}})
	return route, nil
}

// planReroute searches from the vehicle's current node, hard-excluding
// occupied segments and then every segment a candidate route could only
// take from another mission, until a route needs nothing but free or
// shared segments.
func (r *Resolver) planReroute(ctx context.Context, m model.Mission, exclude []string) (routing.Route, error) {
	start := r.currentNode(m)
	req := routing.Requester{MissionID: m.ID, VehicleID: m.VehicleID, Priority: m.Priority, Org: m.Org}
	hard := slices.Clone(exclude)
	for {
		live, err := r.ledger.Snapshot(ctx)
		if err != nil {
			return routing.Route{}, err
		}
		round := slices.Clone(hard)
		for id, seg := range live {
			if seg.EffectiveStatus() == model.SegmentOccupied && !seg.HeldBy(m.VehicleID) {
				round = append(round, id)
			}
		}
		route, err := r.engine.FindPath(ctx, routing.Request{
			Origin:    start,
			Dest:      m.Dest,
			Requester: req,
			Live:      live,
			Exclude:   round,
		})
		if err != nil {
			return routing.Route{}, err
		}
		if len(route.Path) == 0 {
			return routing.Route{}, fmt.Errorf("%w: vehicle of %q is already at %q", routing.ErrNoPath, m.ID, m.Dest)
		}
		plan := PlanActivation(route.Path, live, req)
		refused := slices.Clone(plan.Blocked)
		for id := range plan.Preempt {
			refused = append(refused, id)
		}
		if len(refused) == 0 {
			return route, nil
		}
		slices.Sort(refused)
		r.log.Debug(ctx, "reroute crosses segments held by other missions; searching again",
			logging.String("mission_id", m.ID),
			logging.Strings("refused", refused),
		)
		hard = append(hard, refused...)
	}
}

// currentNode is the start node of the vehicle's current segment, else the
// node the mission path leaves from.
func (r *Resolver) currentNode(m model.Mission) string {
	g := r.engine.Graph()
	nodes, err := g.NodePath(m.Path, m.StartNode())
	if err != nil || len(nodes) == 0 {
		return m.StartNode()
	}
	if r.locator != nil {
		if seg, ok := r.locator.CurrentSegment(m.ID); ok {
			if idx := slices.Index(m.Path, seg); idx >= 0 {
				return nodes[idx]
			}
		}
	}
	return nodes[0]
}

// AbortDueToConflict aborts a mission that lost a conflict. Missions of an
// organization the resolver cannot write for are left untouched and
// ErrCrossOrgMission is returned.
func (r *Resolver) AbortDueToConflict(ctx context.Context, missionID, reason string) error {
	m, err := r.ledger.GetMission(ctx, missionID)
	if err != nil {
		r.incReroutes("failed")
		return err
	}
	client, ok := r.clientFor(m.Org)
	if !ok {
		r.incReroutes(string(model.OutcomeStranded))
		r.log.Warn(ctx, "cannot abort mission of another organization; its vehicle keeps a stale path",
			logging.String("mission_id", missionID),
			logging.String("mission_org", string(m.Org)),
			logging.String("resolver_org", string(r.ledger.Org())),
			logging.String("reason", reason),
		)
		return fmt.Errorf("%w: %q belongs to %s", ErrCrossOrgMission, missionID, m.Org)
	}

	err = r.writeIdempotent(ctx, "abort", func(ctx context.Context) error {
		_, err := client.AbortMission(ctx, missionID, reason)
		return err
	})
	if err != nil {
		r.incReroutes("failed")
		return fmt.Errorf("abort %q: %w", missionID, err)
	}
	r.incReroutes(string(model.OutcomeAborted))
	r.log.Info(ctx, "mission aborted due to conflict",
		logging.String("mission_id", missionID),
		logging.String("reason", reason),
	)
	if r.observer != nil {
		r.observer.HandleMissionAborted(ctx, missionID)
	}
	r.sink.Publish(broadcast.Event{Type: broadcast.MissionAborted, Payload: map[string]any{
		"missionId": missionID,
		"reason":    reason,
	}})
	return nil
}

func (r *Resolver) recordBlocked(ctx context.Context, segID string, a Availability, missionID string, priority int) {
	resolution := model.ResolutionRejected
	if a.HolderPriority == priority {
		resolution = model.ResolutionFCFS
	}
	r.recordConflict(ctx, model.ConflictRecord{
		SegmentID:       segID,
		WinnerMissionID: a.HolderMissionID,
		WinnerPriority:  a.HolderPriority,
		LoserMissionID:  missionID,
		LoserPriority:   priority,
		Resolution:      resolution,
		LoserOutcome:    model.OutcomePending,
	})
}

func (r *Resolver) recordConflict(ctx context.Context, rec model.ConflictRecord) model.ConflictRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}
	r.history.Record(rec)
	if r.metrics != nil {
		r.metrics.IncConflict(string(rec.Resolution))
	}
	r.log.Info(ctx, "conflict resolved",
		logging.String("segment_id", rec.SegmentID),
		logging.String("winner", rec.WinnerMissionID),
		logging.String("loser", rec.LoserMissionID),
		logging.String("resolution", string(rec.Resolution)),
		logging.String("loser_outcome", string(rec.LoserOutcome)),
	)
	r.sink.Publish(broadcast.Event{Type: broadcast.ConflictResolved, Payload: rec})
	return rec
}

// write runs a ledger write under the retry policy.
func (r *Resolver) write(ctx context.Context, op string, fn func(context.Context) error) error {
	return r.do(ctx, op, r.policy, fn)
}

// writeIdempotent treats "already done" ledger errors as success.
func (r *Resolver) writeIdempotent(ctx context.Context, op string, fn func(context.Context) error) error {
	return r.do(ctx, op, r.policy.WithSatisfied(ledger.IsIdempotent), fn)
}

func (r *Resolver) do(ctx context.Context, op string, p retry.Policy, fn func(context.Context) error) error {
	p.OnRetry = func(err error, attempt uint, wait time.Duration) {
		if r.metrics != nil {
			r.metrics.IncLedgerRetry(op)
		}
		r.log.Debug(ctx, "retrying ledger write",
			logging.String("op", op),
			logging.Int("attempt", int(attempt)),
			logging.Duration("wait", wait),
			logging.Err(err),
		)
	}
	_, err := retry.Do(ctx, p, fn)
	if err != nil && r.metrics != nil {
		r.metrics.IncLedgerFailure(op)
	}
	return err
}

func (r *Resolver) incAvailability(decision string) {
	if r.metrics != nil {
		r.metrics.IncAvailability(decision)
	}
}

func (r *Resolver) incReroutes(outcome string) {
	if r.metrics != nil {
		r.metrics.IncReroutes(outcome)
	}
}
