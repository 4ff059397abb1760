package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/sim/state"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	ticks    int
	arrivals int
	trans    int
	retries  map[string]int
	failures map[string]int
	vehicles map[string]int
}

func newRecorder() *recorder {
	return &recorder{retries: map[string]int{}, failures: map[string]int{}}
}

func (r *recorder) IncTicks()                { r.mu.Lock(); r.ticks++; r.mu.Unlock() }
func (r *recorder) IncArrivals()             { r.mu.Lock(); r.arrivals++; r.mu.Unlock() }
func (r *recorder) IncSegmentTransitions()   { r.mu.Lock(); r.trans++; r.mu.Unlock() }
func (r *recorder) IncLedgerRetry(op string) { r.mu.Lock(); r.retries[op]++; r.mu.Unlock() }
func (r *recorder) IncLedgerFailure(op string) {
	r.mu.Lock()
	r.failures[op]++
	r.mu.Unlock()
}
func (r *recorder) SetSimulatedVehicles(c map[string]int) { r.mu.Lock(); r.vehicles = c; r.mu.Unlock() }

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.failures {
		n += c
	}
	return n
}

type eventLog struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (l *eventLog) Publish(e broadcast.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []broadcast.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]broadcast.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func line(t *testing.T) *kb.Graph {
	t.Helper()
	g, err := kb.NewGraph(kb.Planar, []kb.Node{
		{ID: "A", Point: orb.Point{0, 0}},
		{ID: "B", Point: orb.Point{1, 0}},
		{ID: "C", Point: orb.Point{2, 0}},
		{ID: "D", Point: orb.Point{3, 0}},
	}, []kb.Edge{
		{ID: "AB", From: "A", To: "B", Weight: 1, Bidirectional: true},
		{ID: "BC", From: "B", To: "C", Weight: 1, Bidirectional: true},
		{ID: "CD", From: "C", To: "D", Weight: 1, Bidirectional: true},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

type harness struct {
	backend *ledger.MemoryBackend
	medical *ledger.Client
	police  *ledger.Client
	engine  *Engine
	metrics *recorder
	events  *eventLog
}

// newHarness builds an engine with tick 500ms and travel time 5s, so each
// tick adds 10% progress. Ticks are driven by the test.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	b := ledger.NewMemoryBackend()
	seq := 0
	medical, err := ledger.NewClient(b, model.OrgMedical,
		ledger.WithClock(func() time.Time { return testNow }),
		ledger.WithIDGenerator(func() string { seq++; return fmt.Sprintf("m-%d", seq) }),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	police, err := medical.ForOrg(model.OrgPolice)
	if err != nil {
		t.Fatalf("ForOrg: %v", err)
	}
	h := &harness{backend: b, medical: medical, police: police, metrics: newRecorder(), events: &eventLog{}}
	base := []Option{
		WithExternalTicks(),
		WithTickInterval(500 * time.Millisecond),
		WithSegmentTravelTime(5 * time.Second),
		WithMetrics(h.metrics),
		WithSink(h.events),
		WithClock(func() time.Time { return testNow }),
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	}
	h.engine = NewEngine(medical, line(t), append(base, opts...)...)
	t.Cleanup(func() { h.engine.Close(context.Background()) })
	return h
}

func (h *harness) activate(t *testing.T, c *ledger.Client, vehicleID string, priority int, origin, dest string, path ...string) model.Mission {
	t.Helper()
	ctx := context.Background()
	if _, err := c.RegisterVehicle(ctx, model.Vehicle{ID: vehicleID, Org: c.Org(), Type: "unit", Priority: priority}); err != nil {
		t.Fatalf("RegisterVehicle: %v", err)
	}
	m, err := c.CreateMission(ctx, ledger.MissionSpec{VehicleID: vehicleID, Origin: origin, Dest: dest})
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	m, err = c.ActivateMission(ctx, m.ID, path)
	if err != nil {
		t.Fatalf("ActivateMission: %v", err)
	}
	return m
}

func (h *harness) setProgress(t *testing.T, vehicleID string, index int, progress float64) {
	t.Helper()
	if _, err := h.engine.Registry().Update(vehicleID, func(v *state.Vehicle) {
		v.SegmentIndex = index
		v.Progress = progress
	}); err != nil {
		t.Fatalf("Update %s: %v", vehicleID, err)
	}
}

func (h *harness) segment(t *testing.T, id string) model.Segment {
	t.Helper()
	s, err := h.medical.GetSegment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSegment: %v", err)
	}
	return s
}

func (h *harness) mission(t *testing.T, id string) model.Mission {
	t.Helper()
	m, err := h.medical.GetMission(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	return m
}

func TestArrivalCompletesMission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activate(t, h.medical, "amb-1", 2, "A", "B", "AB")

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.setProgress(t, "amb-1", 0, 95)
	h.engine.Tick(ctx)
	h.engine.Wait()

	if h.engine.Registry().Len() != 0 {
		t.Fatalf("arrived vehicle still simulated")
	}
	if got := h.mission(t, m.ID); got.Status != model.MissionCompleted {
		t.Fatalf("mission status = %s, want completed", got.Status)
	}
	if s := h.segment(t, "AB"); s.EffectiveStatus() != model.SegmentFree {
		t.Fatalf("final segment = %+v, want free", s)
	}
	v, err := h.medical.GetVehicle(ctx, "amb-1")
	if err != nil || v.Status != model.VehicleActive {
		t.Fatalf("vehicle = %+v (%v), want active again", v, err)
	}
	types := h.events.types()
	if !slices.Contains(types, broadcast.VehicleArrived) || !slices.Contains(types, broadcast.MissionCompleted) {
		t.Fatalf("events = %v", types)
	}
	if h.metrics.arrivals != 1 || h.metrics.failureCount() != 0 {
		t.Fatalf("arrivals = %d failures = %v", h.metrics.arrivals, h.metrics.failures)
	}
}

func TestArrivalToleratesAlreadyCompletedMission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activate(t, h.medical, "amb-1", 2, "A", "B", "AB")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.medical.CompleteMission(ctx, m.ID); err != nil {
		t.Fatalf("CompleteMission: %v", err)
	}

	h.setProgress(t, "amb-1", 0, 95)
	h.engine.Tick(ctx)
	h.engine.Wait()

	if n := h.metrics.failureCount(); n != 0 {
		t.Fatalf("idempotent ledger errors were counted as failures: %v", h.metrics.failures)
	}
	types := h.events.types()
	if !slices.Contains(types, broadcast.MissionCompleted) || !slices.Contains(types, broadcast.SegmentUpdated) {
		t.Fatalf("already-applied writes must still broadcast: %v", types)
	}
}

func TestSegmentTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t, h.medical, "amb-1", 2, "A", "D", "AB", "BC", "CD")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.engine.Tick(ctx)
	if v, _ := h.engine.Registry().Get("amb-1"); v.Progress != 10 || v.SegmentIndex != 0 {
		t.Fatalf("after one tick = %+v, want 10%% on the first segment", v)
	}

	h.setProgress(t, "amb-1", 0, 95)
	h.engine.Tick(ctx)
	h.engine.Wait()

	v, _ := h.engine.Registry().Get("amb-1")
	if v.SegmentIndex != 1 || v.Progress != 0 {
		t.Fatalf("after transition = %+v", v)
	}
	if s := h.segment(t, "AB"); s.EffectiveStatus() != model.SegmentFree {
		t.Fatalf("previous segment = %+v, want free", s)
	}
	if s := h.segment(t, "BC"); s.EffectiveStatus() != model.SegmentOccupied || !s.HeldBy("amb-1") {
		t.Fatalf("next segment = %+v, want occupied by amb-1", s)
	}
	if !slices.Contains(h.events.types(), broadcast.SegmentTransition) || h.metrics.trans != 1 {
		t.Fatalf("transition not reported: %v", h.events.types())
	}
}

func TestTransitionRetriesConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t, h.medical, "amb-1", 2, "A", "D", "AB", "BC", "CD")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var mu sync.Mutex
	injected := false
	h.backend.SetCommitHook(func([]ledger.Write) error {
		mu.Lock()
		defer mu.Unlock()
		if !injected {
			injected = true
			return ledger.ErrConflict
		}
		return nil
	})
	h.setProgress(t, "amb-1", 0, 95)
	h.engine.Tick(ctx)
	h.engine.Wait()

	h.metrics.mu.Lock()
	retries := h.metrics.retries["release"]
	h.metrics.mu.Unlock()
	if retries != 1 || h.metrics.failureCount() != 0 {
		t.Fatalf("retries = %v failures = %v, want one release retry", h.metrics.retries, h.metrics.failures)
	}
	if s := h.segment(t, "BC"); s.EffectiveStatus() != model.SegmentOccupied {
		t.Fatalf("BC = %+v, want occupied after retry", s)
	}
}

func TestWritesForUnknownOrganizationAreSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t, h.police, "pol-1", 3, "A", "C", "AB", "BC")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.setProgress(t, "pol-1", 0, 95)
	h.engine.Tick(ctx)
	h.engine.Wait()

	if v, ok := h.engine.Registry().Get("pol-1"); !ok || v.SegmentIndex != 1 {
		t.Fatalf("ledger trouble must not stop the vehicle: %+v", v)
	}
	if s := h.segment(t, "AB"); !s.HeldBy("pol-1") {
		t.Fatalf("AB = %+v, want untouched without a police identity", s)
	}
	if h.metrics.failures["identity"] != 1 {
		t.Fatalf("failures = %v", h.metrics.failures)
	}
}

func TestPeerIdentityWritesForOtherOrganization(t *testing.T) {
	h := newHarness(t)
	h.engine.Close(context.Background())
	h.engine = NewEngine(h.medical, line(t),
		WithExternalTicks(),
		WithTickInterval(500*time.Millisecond),
		WithSegmentTravelTime(5*time.Second),
		WithPeers(h.police),
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	ctx := context.Background()
	h.activate(t, h.police, "pol-1", 3, "A", "C", "AB", "BC")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.setProgress(t, "pol-1", 0, 95)
	h.engine.Tick(ctx)
	h.engine.Wait()
	if s := h.segment(t, "BC"); s.EffectiveStatus() != model.SegmentOccupied {
		t.Fatalf("BC = %+v, want occupied through the police identity", s)
	}
}

func TestHandleMissionRerouted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activate(t, h.medical, "amb-1", 2, "A", "D", "AB", "BC", "CD")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.setProgress(t, "amb-1", 1, 40)

	h.engine.HandleMissionRerouted(ctx, m.ID, []string{"XB", "BC", "CY"}, "X")
	v, _ := h.engine.Registry().Get("amb-1")
	if v.SegmentIndex != 1 || v.Progress != 40 || v.CurrentSegment() != "BC" {
		t.Fatalf("same segment kept = %+v, want index 1 at 40%%", v)
	}

	h.engine.HandleMissionRerouted(ctx, m.ID, []string{"BE", "EF", "FC"}, "B")
	v, _ = h.engine.Registry().Get("amb-1")
	if v.SegmentIndex != 0 || v.Progress != 0 || !slices.Equal(v.Path, []string{"BE", "EF", "FC"}) {
		t.Fatalf("segment dropped = %+v, want restart at 0", v)
	}
	if !slices.Contains(h.events.types(), broadcast.VehicleRerouted) {
		t.Fatalf("events = %v", h.events.types())
	}

	h.engine.HandleMissionRerouted(ctx, "unknown", []string{"AB"}, "A")
}

func TestHandleMissionAborted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activate(t, h.medical, "amb-1", 2, "A", "D", "AB", "BC", "CD")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.engine.HandleMissionAborted(ctx, m.ID)
	if h.engine.Registry().Len() != 0 {
		t.Fatalf("aborted vehicle still simulated")
	}
	if !slices.Contains(h.events.types(), broadcast.VehicleAborted) {
		t.Fatalf("events = %v", h.events.types())
	}
	if _, ok := h.engine.CurrentSegment(m.ID); ok {
		t.Fatalf("locator still reports the aborted mission")
	}
}

func TestLoadActiveMissionsIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t, h.medical, "amb-1", 2, "A", "B", "AB")
	h.activate(t, h.police, "pol-1", 3, "C", "D", "CD")
	if _, err := h.medical.RegisterVehicle(ctx, model.Vehicle{ID: "amb-2", Org: model.OrgMedical, Type: "unit", Priority: 2}); err != nil {
		t.Fatalf("RegisterVehicle: %v", err)
	}
	if _, err := h.medical.CreateMission(ctx, ledger.MissionSpec{VehicleID: "amb-2", Origin: "A", Dest: "C"}); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	added, err := h.engine.LoadActiveMissions(ctx)
	if err != nil || added != 2 {
		t.Fatalf("first load = %d (%v), want 2", added, err)
	}
	added, err = h.engine.Reload(ctx)
	if err != nil || added != 0 {
		t.Fatalf("reload = %d (%v), want 0", added, err)
	}
	if h.engine.Registry().Len() != 2 {
		t.Fatalf("registry len = %d", h.engine.Registry().Len())
	}
	if c := h.engine.Registry().Counts(); c[state.StatusIdle] != 2 {
		t.Fatalf("vehicles loaded while stopped should be idle: %v", c)
	}
	if !slices.Contains(h.events.types(), broadcast.SimulationReloaded) {
		t.Fatalf("events = %v", h.events.types())
	}
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t, h.medical, "amb-1", 2, "A", "D", "AB", "BC", "CD")
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.engine.Tick(ctx)

	h.engine.Pause(ctx)
	h.engine.Tick(ctx)
	v, _ := h.engine.Registry().Get("amb-1")
	if v.Status != state.StatusPaused || v.Progress != 10 {
		t.Fatalf("paused vehicle = %+v, want paused at 10%%", v)
	}
	if st := h.engine.Status(); !st.Running || !st.Paused {
		t.Fatalf("status = %+v", st)
	}

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.engine.Tick(ctx)
	v, _ = h.engine.Registry().Get("amb-1")
	if v.Status != state.StatusMoving || v.Progress != 20 {
		t.Fatalf("resumed vehicle = %+v, want moving at 20%%", v)
	}

	h.engine.Stop(ctx)
	if h.engine.Registry().Len() != 0 || h.engine.Status().Running {
		t.Fatalf("Stop must clear the registry")
	}
	want := []broadcast.EventType{broadcast.SimulationStarted, broadcast.SimulationPaused, broadcast.SimulationStarted, broadcast.SimulationStopped}
	var lifecycle []broadcast.EventType
	for _, typ := range h.events.types() {
		if slices.Contains(want, typ) {
			lifecycle = append(lifecycle, typ)
		}
	}
	if !slices.Equal(lifecycle, want) {
		t.Fatalf("lifecycle events = %v", lifecycle)
	}
}

func TestSetSpeedClamps(t *testing.T) {
	h := newHarness(t)
	cases := []struct{ in, want float64 }{
		{10, MaxSpeed},
		{0, MinSpeed},
		{2.5, 2.5},
		{math.NaN(), 1},
	}
	for _, tc := range cases {
		if got := h.engine.SetSpeed(tc.in); got != tc.want {
			t.Fatalf("SetSpeed(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	h.engine.SetSpeed(2)
	if inc := h.engine.increment(); inc != 20 {
		t.Fatalf("increment at 2x = %v, want 20", inc)
	}
}

func TestAddMissionValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.AddMission(model.Mission{ID: "m-x", VehicleID: "v", Status: model.MissionPending, Path: []string{"AB"}}); !errors.Is(err, ErrMissionNotSimulatable) {
		t.Fatalf("pending mission = %v", err)
	}
	if err := h.engine.AddMission(model.Mission{ID: "m-y", VehicleID: "v", Status: model.MissionActive}); !errors.Is(err, ErrMissionNotSimulatable) {
		t.Fatalf("empty path = %v", err)
	}
}

func TestSimulateMissionStartsEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activate(t, h.medical, "amb-1", 2, "A", "B", "AB")
	if err := h.engine.SimulateMission(ctx, m.ID); err != nil {
		t.Fatalf("SimulateMission: %v", err)
	}
	if !h.engine.Status().Running {
		t.Fatalf("engine not running")
	}
	if v, ok := h.engine.Registry().Get("amb-1"); !ok || v.Status != state.StatusMoving {
		t.Fatalf("vehicle = %+v, %v", v, ok)
	}
	if err := h.engine.SimulateMission(ctx, "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing mission = %v", err)
	}
}

func TestPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.activate(t, h.medical, "amb-1", 2, "D", "B", "CD", "BC")
	h.activate(t, h.medical, "amb-2", 2, "A", "C", "AB", "BC")
	if _, err := h.engine.LoadActiveMissions(ctx); err != nil {
		t.Fatalf("LoadActiveMissions: %v", err)
	}
	h.setProgress(t, "amb-1", 1, 25)
	h.setProgress(t, "amb-2", 0, 50)

	ps := h.engine.Positions()
	if len(ps) != 2 {
		t.Fatalf("positions = %+v", ps)
	}
	west, east := ps[0], ps[1]
	if west.Point == nil || math.Abs(west.Point[0]-1.75) > 1e-9 || math.Abs(west.Heading-270) > 1e-9 {
		t.Fatalf("amb-1 position = %+v, want x=1.75 heading west", west)
	}
	if west.PreviousSegment != "CD" || west.NextSegment != "" || west.TotalSegments != 2 {
		t.Fatalf("amb-1 neighbours = %+v", west)
	}
	if east.Point == nil || math.Abs(east.Point[0]-0.5) > 1e-9 || math.Abs(east.Heading-90) > 1e-9 || east.SpeedKmh != NominalSpeedKmh {
		t.Fatalf("amb-2 position = %+v, want x=0.5 heading east", east)
	}
}

func TestPositionsFollowRerouteStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activate(t, h.medical, "amb-1", 2, "A", "D", "AB", "BC", "CD")
	if _, err := h.engine.LoadActiveMissions(ctx); err != nil {
		t.Fatalf("LoadActiveMissions: %v", err)
	}
	h.setProgress(t, "amb-1", 1, 25)

	// Turned around on BC: the single remaining segment is crossed C to B.
	h.engine.HandleMissionRerouted(ctx, m.ID, []string{"BC"}, "C")
	ps := h.engine.Positions()
	if len(ps) != 1 || ps[0].Point == nil {
		t.Fatalf("positions = %+v", ps)
	}
	if p := ps[0]; math.Abs(p.Point[0]-1.75) > 1e-9 || math.Abs(p.Heading-270) > 1e-9 {
		t.Fatalf("position = %+v, want x=1.75 heading west", p)
	}
}

func TestDriverRunsVehicleToArrival(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	engine := NewEngine(h.medical, line(t),
		WithTickInterval(5*time.Millisecond),
		WithSegmentTravelTime(10*time.Millisecond),
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	defer engine.Close(ctx)
	m := h.activate(t, h.medical, "amb-1", 2, "A", "C", "AB", "BC")

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for engine.Registry().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("vehicle did not arrive: %+v", engine.Positions())
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.Wait()
	if got := h.mission(t, m.ID); got.Status != model.MissionCompleted {
		t.Fatalf("mission = %s, want completed", got.Status)
	}
}
