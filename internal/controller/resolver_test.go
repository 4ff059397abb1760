package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/routing"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// corridor builds A-B-C-D with an optional detour B-E-F-C.
func corridor(t *testing.T, withDetour bool) *kb.Graph {
	t.Helper()
	nodes := []kb.Node{
		{ID: "A", Point: orb.Point{0, 0}},
		{ID: "B", Point: orb.Point{1, 0}},
		{ID: "C", Point: orb.Point{2, 0}},
		{ID: "D", Point: orb.Point{3, 0}},
	}
	edges := []kb.Edge{
		{ID: "AB", From: "A", To: "B", Weight: 1, Bidirectional: true},
		{ID: "BC", From: "B", To: "C", Weight: 1, Bidirectional: true},
		{ID: "CD", From: "C", To: "D", Weight: 1, Bidirectional: true},
	}
	if withDetour {
		nodes = append(nodes, kb.Node{ID: "E", Point: orb.Point{1, 1}}, kb.Node{ID: "F", Point: orb.Point{2, 1}})
		edges = append(edges,
			kb.Edge{ID: "BE", From: "B", To: "E", Weight: 1, Bidirectional: true},
			kb.Edge{ID: "EF", From: "E", To: "F", Weight: 1, Bidirectional: true},
			kb.Edge{ID: "FC", From: "F", To: "C", Weight: 1, Bidirectional: true},
		)
	}
	g, err := kb.NewGraph(kb.Planar, nodes, edges)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

type recordingObserver struct {
	activated []string
	rerouted  map[string][]string
	aborted   []string
}

func (o *recordingObserver) HandleMissionActivated(_ context.Context, m model.Mission) {
	o.activated = append(o.activated, m.ID)
}

func (o *recordingObserver) HandleMissionRerouted(_ context.Context, id string, path []string, _ string) {
	if o.rerouted == nil {
		o.rerouted = make(map[string][]string)
	}
	o.rerouted[id] = path
}

func (o *recordingObserver) HandleMissionAborted(_ context.Context, id string) {
	o.aborted = append(o.aborted, id)
}

type fixedLocator map[string]string

func (l fixedLocator) CurrentSegment(missionID string) (string, bool) {
	seg, ok := l[missionID]
	return seg, ok
}

type fixture struct {
	medical  *ledger.Client
	police   *ledger.Client
	resolver *Resolver
	observer *recordingObserver
	events   []broadcast.EventType
}

// newFixture builds a resolver writing as medical. withPeer also gives it
// the police identity.
func newFixture(t *testing.T, g *kb.Graph, withPeer bool, extra ...Option) *fixture {
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
	f := &fixture{medical: medical, police: police, observer: &recordingObserver{}}
	opts := []Option{
		WithObserver(f.observer),
		WithClock(func() time.Time { return testNow }),
		WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
		WithSink(broadcast.SinkFunc(func(e broadcast.Event) { f.events = append(f.events, e.Type) })),
	}
	if withPeer {
		opts = append(opts, WithPeers(police))
	}
	opts = append(opts, extra...)
	f.resolver = NewResolver(medical, routing.NewEngine(g), opts...)
	return f
}

func (f *fixture) vehicle(t *testing.T, c *ledger.Client, id string, priority int) {
	t.Helper()
	if _, err := c.RegisterVehicle(context.Background(), model.Vehicle{ID: id, Org: c.Org(), Type: "unit", Priority: priority}); err != nil {
		t.Fatalf("RegisterVehicle %s: %v", id, err)
	}
}

func (f *fixture) active(t *testing.T, c *ledger.Client, vehicleID, origin, dest string, path ...string) model.Mission {
	t.Helper()
	ctx := context.Background()
	m, err := c.CreateMission(ctx, ledger.MissionSpec{VehicleID: vehicleID, Origin: origin, Dest: dest})
	if err != nil {
		t.Fatalf("CreateMission %s: %v", vehicleID, err)
	}
	m, err = c.ActivateMission(ctx, m.ID, path)
	if err != nil {
		t.Fatalf("ActivateMission %s: %v", m.ID, err)
	}
	return m
}

func (f *fixture) pending(t *testing.T, vehicleID, origin, dest string) model.Mission {
	t.Helper()
	m, err := f.medical.CreateMission(context.Background(), ledger.MissionSpec{VehicleID: vehicleID, Origin: origin, Dest: dest})
	if err != nil {
		t.Fatalf("CreateMission %s: %v", vehicleID, err)
	}
	return m
}

func (f *fixture) segment(t *testing.T, id string) model.Segment {
	t.Helper()
	s, err := f.medical.GetSegment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSegment %s: %v", id, err)
	}
	return s
}

func (f *fixture) mission(t *testing.T, id string) model.Mission {
	t.Helper()
	m, err := f.medical.GetMission(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMission %s: %v", id, err)
	}
	return m
}

func TestCheckAvailability(t *testing.T) {
	f := newFixture(t, corridor(t, false), false)
	f.vehicle(t, f.police, "pol-1", 3)
	f.active(t, f.police, "pol-1", "B", "C", "BC")
	ctx := context.Background()

	cases := []struct {
		name     string
		segment  string
		priority int
		org      model.Org
		check    func(Availability) bool
	}{
		{"unknown segment is free", "AB", 3, model.OrgMedical, func(a Availability) bool {
			return a.Available && !a.RequiresPreemption && !a.RequiresSharing
		}},
		{"higher priority preempts", "BC", 1, model.OrgMedical, func(a Availability) bool {
			return a.Available && a.RequiresPreemption && a.HolderPriority == 3 && a.HolderOrg == model.OrgPolice
		}},
		{"equal priority blocked", "BC", 3, model.OrgMedical, func(a Availability) bool { return !a.Available }},
		{"same org shares", "BC", 5, model.OrgPolice, func(a Availability) bool { return a.Available && a.RequiresSharing }},
	}
	for _, tc := range cases {
		a, err := f.resolver.CheckAvailability(ctx, tc.segment, "m-new", tc.priority, tc.org)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !tc.check(a) {
			t.Fatalf("%s: availability = %+v", tc.name, a)
		}
	}

	if err := f.police.OccupySegment(ctx, "BC", "pol-1"); err != nil {
		t.Fatalf("OccupySegment: %v", err)
	}
	a, err := f.resolver.CheckAvailability(ctx, "BC", "m-new", 1, model.OrgMedical)
	if err != nil || a.Available {
		t.Fatalf("occupied segment = %+v (%v), want blocked for every priority", a, err)
	}
}

func TestActivationReroutesPreemptedPeerMission(t *testing.T) {
	f := newFixture(t, corridor(t, true), true)
	f.vehicle(t, f.police, "pol-1", 3)
	f.vehicle(t, f.medical, "amb-1", 1)
	police := f.active(t, f.police, "pol-1", "B", "C", "BC")
	m := f.pending(t, "amb-1", "A", "D")

	res, err := f.resolver.ActivateMission(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ActivateMission: %v", err)
	}
	if !slices.Equal(res.Route.Path, []string{"AB", "BC", "CD"}) || res.Route.TotalWeight != 4 {
		t.Fatalf("route = %v (weight %v), want straight through at 4", res.Route.Path, res.Route.TotalWeight)
	}
	if res.Mission.Status != model.MissionActive {
		t.Fatalf("mission status = %s", res.Mission.Status)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want one", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.SegmentID != "BC" || c.Resolution != model.ResolutionPreempted || c.LoserOutcome != model.OutcomeRerouted ||
		c.LoserMissionID != police.ID || c.WinnerMissionID != m.ID || !slices.Equal(c.NewPath, []string{"BE", "EF", "FC"}) {
		t.Fatalf("conflict = %+v", c)
	}

	if got := f.mission(t, police.ID); got.Status != model.MissionActive || !slices.Equal(got.Path, []string{"BE", "EF", "FC"}) {
		t.Fatalf("police mission = %s %v, want active on the detour", got.Status, got.Path)
	}
	if s := f.segment(t, "BC"); s.Holder == nil || s.Holder.MissionID != m.ID {
		t.Fatalf("BC holder = %+v, want the ambulance mission", s.Holder)
	}
	if s := f.segment(t, "EF"); !s.HeldBy("pol-1") {
		t.Fatalf("EF should now be reserved by the police vehicle: %+v", s)
	}
	if !slices.Equal(f.observer.activated, []string{m.ID}) || !slices.Equal(f.observer.rerouted[police.ID], []string{"BE", "EF", "FC"}) {
		t.Fatalf("observer = %+v", f.observer)
	}
	if !slices.Contains(f.events, broadcast.MissionRerouted) || !slices.Contains(f.events, broadcast.ConflictResolved) ||
		f.events[len(f.events)-1] != broadcast.MissionActivated {
		t.Fatalf("events = %v", f.events)
	}
	if f.resolver.History().Len() != 1 {
		t.Fatalf("history len = %d", f.resolver.History().Len())
	}
}

func TestActivationStrandsForeignMissionWithoutPeer(t *testing.T) {
	f := newFixture(t, corridor(t, true), false)
	f.vehicle(t, f.police, "pol-1", 3)
	f.vehicle(t, f.medical, "amb-1", 1)
	police := f.active(t, f.police, "pol-1", "B", "C", "BC")
	m := f.pending(t, "amb-1", "A", "D")

	res, err := f.resolver.ActivateMission(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ActivateMission: %v", err)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].LoserOutcome != model.OutcomeStranded {
		t.Fatalf("conflicts = %+v, want one stranded loser", res.Conflicts)
	}
	got := f.mission(t, police.ID)
	if got.Status != model.MissionActive || !slices.Equal(got.Path, []string{"BC"}) {
		t.Fatalf("police mission = %s %v, want untouched", got.Status, got.Path)
	}
	if s := f.segment(t, "BC"); s.Holder == nil || s.Holder.MissionID != m.ID {
		t.Fatalf("BC holder = %+v, want the ambulance mission after overwrite", s.Holder)
	}
	if len(f.observer.aborted) != 0 {
		t.Fatalf("a foreign mission must not be reported aborted: %v", f.observer.aborted)
	}
}

func TestActivationAvoidsBlockedSegments(t *testing.T) {
	t.Run("no alternative", func(t *testing.T) {
		f := newFixture(t, corridor(t, false), true)
		f.vehicle(t, f.police, "pol-1", 3)
		f.vehicle(t, f.medical, "amb-4", 4)
		f.active(t, f.police, "pol-1", "B", "C", "BC")
		m := f.pending(t, "amb-4", "A", "D")

		if _, err := f.resolver.ActivateMission(context.Background(), m.ID); !errors.Is(err, routing.ErrNoPath) {
			t.Fatalf("ActivateMission = %v, want ErrNoPath", err)
		}
		if got := f.mission(t, m.ID); got.Status != model.MissionPending {
			t.Fatalf("mission status = %s, want still pending", got.Status)
		}
	})

	t.Run("detour", func(t *testing.T) {
		f := newFixture(t, corridor(t, true), true)
		f.vehicle(t, f.police, "pol-1", 3)
		f.vehicle(t, f.medical, "amb-3", 3)
		f.active(t, f.police, "pol-1", "B", "C", "BC")
		m := f.pending(t, "amb-3", "A", "D")

		res, err := f.resolver.ActivateMission(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("ActivateMission: %v", err)
		}
		if slices.Contains(res.Route.Path, "BC") || len(res.Conflicts) != 0 {
			t.Fatalf("route %v with conflicts %+v, want the detour and no preemption", res.Route.Path, res.Conflicts)
		}
	})
}

func TestActivationSharesWithinOrganization(t *testing.T) {
	f := newFixture(t, corridor(t, false), false)
	f.vehicle(t, f.medical, "amb-1", 2)
	f.vehicle(t, f.medical, "amb-2", 2)
	first := f.active(t, f.medical, "amb-1", "B", "C", "BC")
	m := f.pending(t, "amb-2", "A", "D")

	res, err := f.resolver.ActivateMission(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ActivateMission: %v", err)
	}
	if !slices.Equal(res.Shared, []string{"BC"}) || len(res.Conflicts) != 0 {
		t.Fatalf("shared = %v conflicts = %+v", res.Shared, res.Conflicts)
	}
	if got := f.mission(t, first.ID); got.Status != model.MissionActive {
		t.Fatalf("sharing must not disturb the first mission: %s", got.Status)
	}
}

func TestActivateMissionRequiresPending(t *testing.T) {
	f := newFixture(t, corridor(t, false), false)
	f.vehicle(t, f.medical, "amb-1", 2)
	m := f.active(t, f.medical, "amb-1", "A", "B", "AB")
	if _, err := f.resolver.ActivateMission(context.Background(), m.ID); !errors.Is(err, ErrMissionNotPending) {
		t.Fatalf("ActivateMission on active = %v, want ErrMissionNotPending", err)
	}
	if _, err := f.resolver.ActivateMission(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("ActivateMission on missing = %v, want ErrNotFound", err)
	}
}

func TestReservePathWithResolution(t *testing.T) {
	t.Run("preempts and reroutes", func(t *testing.T) {
		f := newFixture(t, corridor(t, true), true)
		f.vehicle(t, f.police, "pol-1", 3)
		f.vehicle(t, f.medical, "amb-1", 1)
		police := f.active(t, f.police, "pol-1", "B", "C", "BC")
		m := f.pending(t, "amb-1", "A", "D")

		res, err := f.resolver.ReservePathWithResolution(context.Background(), m.ID, []string{"AB", "BC", "CD"}, 1, "amb-1")
		if err != nil {
			t.Fatalf("ReservePathWithResolution: %v", err)
		}
		if !slices.Equal(res.Reserved, []string{"AB", "BC", "CD"}) {
			t.Fatalf("reserved = %v", res.Reserved)
		}
		if !slices.Equal(res.Preempted, []string{police.ID}) || !slices.Equal(res.Rerouted, []string{police.ID}) || len(res.Aborted) != 0 {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("blocked stops the walk", func(t *testing.T) {
		f := newFixture(t, corridor(t, false), true)
		f.vehicle(t, f.police, "pol-1", 3)
		f.vehicle(t, f.medical, "amb-3", 3)
		police := f.active(t, f.police, "pol-1", "B", "C", "BC")
		m := f.pending(t, "amb-3", "A", "D")

		res, err := f.resolver.ReservePathWithResolution(context.Background(), m.ID, []string{"AB", "BC", "CD"}, 3, "amb-3")
		if !errors.Is(err, ErrSegmentBlocked) {
			t.Fatalf("err = %v, want ErrSegmentBlocked", err)
		}
		if !slices.Equal(res.Reserved, []string{"AB"}) {
			t.Fatalf("reserved before the block = %v", res.Reserved)
		}
		recs := f.resolver.History().List(0)
		if len(recs) != 1 || recs[0].Resolution != model.ResolutionFCFS || recs[0].WinnerMissionID != police.ID ||
			recs[0].LoserOutcome != model.OutcomePending {
			t.Fatalf("history = %+v", recs)
		}
	})

	t.Run("strands a foreign holder without a peer", func(t *testing.T) {
		f := newFixture(t, corridor(t, true), false)
		f.vehicle(t, f.police, "pol-1", 3)
		f.vehicle(t, f.medical, "amb-1", 1)
		police := f.active(t, f.police, "pol-1", "B", "C", "BC")
		m := f.pending(t, "amb-1", "A", "D")

		res, err := f.resolver.ReservePathWithResolution(context.Background(), m.ID, []string{"AB", "BC", "CD"}, 1, "amb-1")
		if err != nil {
			t.Fatalf("ReservePathWithResolution: %v", err)
		}
		if !slices.Equal(res.Stranded, []string{police.ID}) || len(res.Aborted) != 0 || len(res.Rerouted) != 0 {
			t.Fatalf("result = %+v, want the police mission stranded only", res)
		}
		if got := f.mission(t, police.ID); got.Status != model.MissionActive {
			t.Fatalf("police mission = %s, want untouched", got.Status)
		}
	})

	t.Run("aborts when no detour", func(t *testing.T) {
		f := newFixture(t, corridor(t, false), true)
		f.vehicle(t, f.police, "pol-1", 3)
		f.vehicle(t, f.medical, "amb-1", 1)
		police := f.active(t, f.police, "pol-1", "B", "C", "BC")
		m := f.pending(t, "amb-1", "A", "D")

		res, err := f.resolver.ReservePathWithResolution(context.Background(), m.ID, []string{"AB", "BC", "CD"}, 1, "amb-1")
		if err != nil {
			t.Fatalf("ReservePathWithResolution: %v", err)
		}
		if !slices.Equal(res.Aborted, []string{police.ID}) || len(res.Stranded) != 0 {
			t.Fatalf("result = %+v", res)
		}
		if got := f.mission(t, police.ID); got.Status != model.MissionAborted {
			t.Fatalf("police mission = %s, want aborted", got.Status)
		}
	})
}

func TestRerouteMission(t *testing.T) {
	t.Run("from the current segment", func(t *testing.T) {
		f := newFixture(t, corridor(t, true), false)
		f.vehicle(t, f.medical, "amb-1", 2)
		m := f.active(t, f.medical, "amb-1", "A", "D", "AB", "BC", "CD")
		f.resolver.locator = fixedLocator{m.ID: "BC"}

		route, err := f.resolver.RerouteMission(context.Background(), m.ID, []string{"BC"})
		if err != nil {
			t.Fatalf("RerouteMission: %v", err)
		}
		if !slices.Equal(route.Path, []string{"BE", "EF", "FC", "CD"}) {
			t.Fatalf("new path = %v, want to leave from B", route.Path)
		}
		if s := f.segment(t, "AB"); s.Holder != nil {
			t.Fatalf("AB should be released once dropped from the path: %+v", s)
		}
	})

	t.Run("aborts without an alternative", func(t *testing.T) {
		f := newFixture(t, corridor(t, false), false)
		f.vehicle(t, f.medical, "amb-1", 2)
		m := f.active(t, f.medical, "amb-1", "A", "D", "AB", "BC", "CD")

		_, err := f.resolver.RerouteMission(context.Background(), m.ID, []string{"BC"})
		if !errors.Is(err, routing.ErrNoPath) {
			t.Fatalf("RerouteMission = %v, want ErrNoPath", err)
		}
		got := f.mission(t, m.ID)
		if got.Status != model.MissionAborted || got.AbortReason == "" {
			t.Fatalf("mission = %s (%q), want aborted with a reason", got.Status, got.AbortReason)
		}
		if !slices.Equal(f.observer.aborted, []string{m.ID}) {
			t.Fatalf("observer aborted = %v", f.observer.aborted)
		}
		if s := f.segment(t, "AB"); s.Holder != nil {
			t.Fatalf("abort must release held segments: %+v", s)
		}
	})

	t.Run("requires active", func(t *testing.T) {
		f := newFixture(t, corridor(t, false), false)
		f.vehicle(t, f.medical, "amb-1", 2)
		m := f.pending(t, "amb-1", "A", "D")
		if _, err := f.resolver.RerouteMission(context.Background(), m.ID, nil); !errors.Is(err, ErrMissionNotActive) {
			t.Fatalf("RerouteMission = %v, want ErrMissionNotActive", err)
		}
	})
}

func TestRerouteNeverTakesForeignReservations(t *testing.T) {
	cases := []struct {
		name     string
		priority int
	}{
		{"higher priority holder", 1},
		{"lower priority holder", 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, corridor(t, true), true)
			f.vehicle(t, f.medical, "amb-9", tc.priority)
			f.vehicle(t, f.police, "pol-3", 3)
			f.vehicle(t, f.medical, "amb-2", 2)
			holder := f.active(t, f.medical, "amb-9", "E", "F", "EF")
			police := f.active(t, f.police, "pol-3", "A", "D", "AB", "BC", "CD")
			m := f.pending(t, "amb-2", "A", "D")

			res, err := f.resolver.ReservePathWithResolution(context.Background(), m.ID, []string{"BC"}, 2, "amb-2")
			if err != nil {
				t.Fatalf("ReservePathWithResolution: %v", err)
			}
			if !slices.Equal(res.Aborted, []string{police.ID}) || len(res.Rerouted) != 0 {
				t.Fatalf("result = %+v, want the police mission aborted", res)
			}
			if s := f.segment(t, "EF"); s.Holder == nil || s.Holder.MissionID != holder.ID {
				t.Fatalf("EF holder = %+v, want mission %s kept", s.Holder, holder.ID)
			}
			if got := f.mission(t, police.ID); got.Status != model.MissionAborted {
				t.Fatalf("police mission = %s %v, want aborted", got.Status, got.Path)
			}
			recs := f.resolver.History().List(0)
			if len(recs) != 1 || recs[0].LoserOutcome != model.OutcomeAborted || recs[0].SegmentID != "BC" {
				t.Fatalf("history = %+v", recs)
			}
		})
	}
}

func TestPreemptedDetourAvoidsWinnerPath(t *testing.T) {
	g, err := kb.NewGraph(kb.Planar, []kb.Node{
		{ID: "A", Point: orb.Point{0, 0}},
		{ID: "B", Point: orb.Point{1, 0}},
		{ID: "C", Point: orb.Point{2, 0}},
		{ID: "D", Point: orb.Point{3, 0}},
		{ID: "X", Point: orb.Point{2, 1}},
	}, []kb.Edge{
		{ID: "AB", From: "A", To: "B", Weight: 1, Bidirectional: true},
		{ID: "BC", From: "B", To: "C", Weight: 1, Bidirectional: true},
		{ID: "CD", From: "C", To: "D", Weight: 1, Bidirectional: true},
		{ID: "BX", From: "B", To: "X", Weight: 2, Bidirectional: true},
		{ID: "XD", From: "X", To: "D", Weight: 2, Bidirectional: true},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	f := newFixture(t, g, true)
	f.vehicle(t, f.police, "pol-1", 3)
	f.vehicle(t, f.medical, "amb-1", 1)
	police := f.active(t, f.police, "pol-1", "B", "C", "BC")
	m := f.pending(t, "amb-1", "A", "D")

	res, err := f.resolver.ActivateMission(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ActivateMission: %v", err)
	}
	if !slices.Equal(res.Route.Path, []string{"AB", "BC", "CD"}) {
		t.Fatalf("route = %v", res.Route.Path)
	}
	// The only way around BC runs over CD, which the ambulance takes next.
	if len(res.Conflicts) != 1 || res.Conflicts[0].LoserOutcome != model.OutcomeAborted {
		t.Fatalf("conflicts = %+v, want the police mission aborted", res.Conflicts)
	}
	if got := f.mission(t, police.ID); got.Status != model.MissionAborted {
		t.Fatalf("police mission = %s %v", got.Status, got.Path)
	}
	if s := f.segment(t, "CD"); s.Holder == nil || s.Holder.MissionID != m.ID {
		t.Fatalf("CD holder = %+v, want the ambulance mission", s.Holder)
	}
	if s := f.segment(t, "BX"); s.Holder != nil {
		t.Fatalf("BX = %+v, want free", s)
	}
}

func TestRerouteLeavesFromRecordedStart(t *testing.T) {
	f := newFixture(t, corridor(t, true), false)
	f.vehicle(t, f.medical, "amb-1", 2)
	m := f.active(t, f.medical, "amb-1", "D", "B", "CD", "BC")
	f.resolver.locator = fixedLocator{m.ID: "BC"}
	ctx := context.Background()

	route, err := f.resolver.RerouteMission(ctx, m.ID, []string{"CD"})
	if err != nil {
		t.Fatalf("first RerouteMission: %v", err)
	}
	if !slices.Equal(route.Path, []string{"BC"}) {
		t.Fatalf("first path = %v", route.Path)
	}
	if got := f.mission(t, m.ID); got.StartNode() != "C" {
		t.Fatalf("start = %q, want C", got.StartNode())
	}

	f.resolver.locator = nil
	route, err = f.resolver.RerouteMission(ctx, m.ID, []string{"BC"})
	if err != nil {
		t.Fatalf("second RerouteMission: %v", err)
	}
	if !slices.Equal(route.Path, []string{"FC", "EF", "BE"}) {
		t.Fatalf("second path = %v, want to leave from C", route.Path)
	}
}

func TestAbortDueToConflict(t *testing.T) {
	f := newFixture(t, corridor(t, false), false)
	f.vehicle(t, f.police, "pol-1", 3)
	f.vehicle(t, f.medical, "amb-1", 2)
	police := f.active(t, f.police, "pol-1", "B", "C", "BC")
	own := f.active(t, f.medical, "amb-1", "A", "B", "AB")
	ctx := context.Background()

	if err := f.resolver.AbortDueToConflict(ctx, police.ID, "lost"); !errors.Is(err, ErrCrossOrgMission) {
		t.Fatalf("cross-org abort = %v, want ErrCrossOrgMission", err)
	}
	if got := f.mission(t, police.ID); got.Status != model.MissionActive {
		t.Fatalf("foreign mission = %s, want untouched", got.Status)
	}

	if err := f.resolver.AbortDueToConflict(ctx, own.ID, "lost"); err != nil {
		t.Fatalf("AbortDueToConflict: %v", err)
	}
	if err := f.resolver.AbortDueToConflict(ctx, own.ID, "lost again"); err != nil {
		t.Fatalf("aborting twice must be a no-op: %v", err)
	}
	if got := f.mission(t, own.ID); got.Status != model.MissionAborted || got.AbortReason != "lost" {
		t.Fatalf("mission = %s (%q)", got.Status, got.AbortReason)
	}
}

func TestCreateAndActivate(t *testing.T) {
	f := newFixture(t, corridor(t, false), false)
	f.vehicle(t, f.medical, "amb-1", 2)
	ctx := context.Background()

	res, err := f.resolver.CreateAndActivate(ctx, "amb-1", "A", "C")
	if err != nil {
		t.Fatalf("CreateAndActivate: %v", err)
	}
	if res.Mission.Status != model.MissionActive || !slices.Equal(res.Mission.Path, []string{"AB", "BC"}) {
		t.Fatalf("mission = %+v", res.Mission)
	}

	f.vehicle(t, f.medical, "amb-2", 2)
	if _, err := f.resolver.CreateAndActivate(ctx, "amb-2", "A", "Z"); !errors.Is(err, routing.ErrUnknownNode) {
		t.Fatalf("unknown destination = %v, want ErrUnknownNode", err)
	}
	missions, err := f.medical.ListMissions(ctx, ledger.MissionFilter{VehicleID: "amb-2"})
	if err != nil || len(missions) != 1 || missions[0].Status != model.MissionAborted {
		t.Fatalf("failed activation should leave an aborted mission: %+v (%v)", missions, err)
	}
}

func TestPreviewRouteWritesNothing(t *testing.T) {
	f := newFixture(t, corridor(t, true), true)
	f.vehicle(t, f.police, "pol-1", 3)
	f.vehicle(t, f.medical, "amb-1", 1)
	f.active(t, f.police, "pol-1", "B", "C", "BC")

	p, err := f.resolver.PreviewRoute(context.Background(), "amb-1", "A", "D")
	if err != nil {
		t.Fatalf("PreviewRoute: %v", err)
	}
	if !slices.Equal(p.Route.Path, []string{"AB", "BC", "CD"}) {
		t.Fatalf("preview path = %v", p.Route.Path)
	}
	if _, ok := p.Plan.Preempt["BC"]; !ok || !slices.Equal(p.Analysis.PreemptionCandidates, []string{"BC"}) {
		t.Fatalf("preview plan = %+v analysis = %+v", p.Plan, p.Analysis)
	}
	if s := f.segment(t, "BC"); s.Holder == nil || s.Holder.VehicleID != "pol-1" {
		t.Fatalf("preview must not touch the ledger: %+v", s)
	}
	if f.resolver.History().Len() != 0 {
		t.Fatalf("preview recorded conflicts")
	}
}

func TestPlanActivation(t *testing.T) {
	live := map[string]model.Segment{
		"S1": {ID: "S1", Status: model.SegmentOccupied, Holder: &model.Holder{VehicleID: "v-9", MissionID: "m-9", Org: model.OrgPolice, Priority: 5}},
		"S2": {ID: "S2", Status: model.SegmentReserved, Holder: &model.Holder{VehicleID: "v-8", MissionID: "m-8", Org: model.OrgPolice, Priority: 4}},
		"S3": {ID: "S3", Status: model.SegmentReserved, Holder: &model.Holder{VehicleID: "v-7", MissionID: "m-7", Org: model.OrgMedical, Priority: 1}},
		"S4": {ID: "S4", Status: model.SegmentReserved, Holder: &model.Holder{VehicleID: "v-1", MissionID: "m-1", Org: model.OrgMedical, Priority: 2}},
	}
	plan := PlanActivation([]string{"S0", "S1", "S2", "S3", "S4"}, live, routing.Requester{MissionID: "m-1", VehicleID: "v-1", Priority: 2, Org: model.OrgMedical})
	if !slices.Equal(plan.Blocked, []string{"S1"}) || !slices.Equal(plan.Share, []string{"S3"}) || len(plan.Preempt) != 1 || plan.Preempt["S2"].MissionID != "m-8" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestGroupByHolder(t *testing.T) {
	got := groupByHolder(map[string]model.Holder{
		"S3": {MissionID: "m-b", Priority: 4},
		"S1": {MissionID: "m-b", Priority: 4},
		"S2": {MissionID: "m-a", Priority: 3},
	})
	if len(got) != 2 || got[0].missionID != "m-a" || !slices.Equal(got[1].segments, []string{"S1", "S3"}) {
		t.Fatalf("groups = %+v", got)
	}
}

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Record(model.ConflictRecord{ID: fmt.Sprintf("c-%d", i)})
	}
	if h.Len() != 3 {
		t.Fatalf("Len = %d, want 3", h.Len())
	}
	got := h.List(0)
	if got[0].ID != "c-5" || got[2].ID != "c-3" {
		t.Fatalf("List = %+v", got)
	}
	if two := h.List(2); len(two) != 2 || two[1].ID != "c-4" {
		t.Fatalf("List(2) = %+v", two)
	}
	if NewHistory(0).limit != DefaultHistoryLimit {
		t.Fatalf("zero limit should fall back to the default")
	}
}
