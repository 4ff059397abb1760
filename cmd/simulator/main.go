// Command simulator runs a scripted emergency routing scenario on one
// shared ledger: medical and police vehicles compete for road segments,
// conflicts are resolved, and the vehicles are driven to their
// destinations in accelerated time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/emergency-routing/core"
	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/controller"
	"github.com/signalsfoundry/emergency-routing/internal/history"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/routing"
	"github.com/signalsfoundry/emergency-routing/internal/sim"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
	"github.com/signalsfoundry/emergency-routing/timectrl"
)

// Scenario tunes a demo run.
type Scenario struct {
	Duration          time.Duration
	Tick              time.Duration
	SegmentTravelTime time.Duration
	Speed             float64
	Mode              timectrl.Mode
	// Peers lets each organization's resolver reroute the other's
	// missions. Without it preempted foreign missions are stranded.
	Peers bool
}

// Summary is what a run produced.
type Summary struct {
	Conflicts []model.ConflictRecord
	Missions  []model.Mission
	Arrived   int
	TimedOut  bool
	History   history.Stats
}

func main() {
	sc := Scenario{Mode: timectrl.Accelerated}
	flag.DurationVar(&sc.Duration, "duration", 30*time.Second, "wall-clock limit for the simulation")
	flag.DurationVar(&sc.Tick, "tick", 100*time.Millisecond, "simulated tick interval")
	flag.DurationVar(&sc.SegmentTravelTime, "segment-time", time.Second, "simulated time to cross one segment")
	flag.Float64Var(&sc.Speed, "speed", 1, "speed multiplier")
	flag.BoolVar(&sc.Peers, "peers", true, "let each organization reroute the other's missions")
	realtime := flag.Bool("realtime", false, "tick on the wall clock instead of back to back")
	flag.Parse()
	if *realtime {
		sc.Mode = timectrl.RealTime
	}

	log := logging.NewFromEnv()
	ctx := context.Background()
	if _, err := run(ctx, sc, core.DefaultGrid(), log, os.Stdout); err != nil {
		log.Error(ctx, "scenario failed", logging.Err(err))
		os.Exit(1)
	}
}

type vehicleSpec struct {
	id       string
	org      model.Org
	kind     string
	priority int
}

var fleet = []vehicleSpec{
	{"amb-1", model.OrgMedical, "ambulance", 2},
	{"amb-2", model.OrgMedical, "ambulance", 3},
	{"amb-3", model.OrgMedical, "ambulance", 1},
	{"amb-4", model.OrgMedical, "ambulance", 3},
	{"pol-1", model.OrgPolice, "patrol", 4},
	{"pol-2", model.OrgPolice, "patrol", 3},
}

// run plays the scenario on g, which must be the default 5x5 grid or a
// map using the same node names.
func run(ctx context.Context, sc Scenario, g *kb.Graph, log logging.Logger, out io.Writer) (Summary, error) {
	var summary Summary
	backend := ledger.NewMemoryBackend()
	defer backend.Close() //nolint:errcheck

	medical, err := ledger.NewClient(backend, model.OrgMedical)
	if err != nil {
		return summary, err
	}
	police, err := medical.ForOrg(model.OrgPolice)
	if err != nil {
		return summary, err
	}
	clients := map[model.Org]*ledger.Client{model.OrgMedical: medical, model.OrgPolice: police}
	for _, v := range fleet {
		if _, err := clients[v.org].RegisterVehicle(ctx, model.Vehicle{ID: v.id, Org: v.org, Type: v.kind, Priority: v.priority}); err != nil {
			return summary, fmt.Errorf("register %s: %w", v.id, err)
		}
	}

	policy := retry.Policy{Attempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	arrivals := 0
	events := history.NewRecorder()
	sink := broadcast.Multi{events, broadcast.SinkFunc(func(e broadcast.Event) {
		if e.Type == broadcast.VehicleArrived {
			arrivals++
		}
	})}
	engine := sim.NewEngine(medical, g,
		sim.WithLogger(log),
		sim.WithSink(sink),
		sim.WithPeers(police),
		sim.WithTickInterval(sc.Tick),
		sim.WithSegmentTravelTime(sc.SegmentTravelTime),
		sim.WithSpeed(sc.Speed),
		sim.WithMode(sc.Mode),
		sim.WithRetryPolicy(policy),
	)
	defer engine.Close(context.Background())

	history := controller.NewHistory(controller.DefaultHistoryLimit)
	resolverFor := func(primary, peer *ledger.Client) *controller.Resolver {
		opts := []controller.Option{
			controller.WithLogger(log),
			controller.WithSink(sink),
			controller.WithObserver(engine),
			controller.WithLocator(engine),
			controller.WithHistory(history),
			controller.WithRetryPolicy(policy),
		}
		if sc.Peers {
			opts = append(opts, controller.WithPeers(peer))
		}
		return controller.NewResolver(primary, routing.NewEngine(g, routing.WithLogger(log)), opts...)
	}
	resolvers := map[model.Org]*controller.Resolver{
		model.OrgMedical: resolverFor(medical, police),
		model.OrgPolice:  resolverFor(police, medical),
	}

	activate := func(vehicleID string, org model.Org, origin, dest string) (controller.ActivationResult, error) {
		res, err := resolvers[org].CreateAndActivate(ctx, vehicleID, origin, dest)
		if err != nil {
			fmt.Fprintf(out, "  %s %s->%s failed: %v\n", vehicleID, origin, dest, err)
			return res, err
		}
		fmt.Fprintf(out, "  %s %s->%s via %s", vehicleID, origin, dest, strings.Join(res.Route.Path, ","))
		if len(res.Shared) > 0 {
			fmt.Fprintf(out, " (sharing %s)", strings.Join(res.Shared, ","))
		}
		if len(res.Excluded) > 0 {
			fmt.Fprintf(out, " (avoiding %s)", strings.Join(res.Excluded, ","))
		}
		fmt.Fprintln(out)
		return res, nil
	}

	fmt.Fprintln(out, "== sharing within an organization")
	if _, err := activate("amb-1", model.OrgMedical, "N1", "N5"); err != nil {
		return summary, err
	}
	if _, err := activate("amb-2", model.OrgMedical, "N2", "N4"); err != nil {
		return summary, err
	}

	fmt.Fprintln(out, "== preemption across organizations")
	if _, err := activate("pol-1", model.OrgPolice, "N13", "N14"); err != nil {
		return summary, err
	}
	if _, err := activate("amb-3", model.OrgMedical, "N13", "N14"); err != nil {
		return summary, err
	}

	fmt.Fprintln(out, "== first come, first served")
	if _, err := activate("pol-2", model.OrgPolice, "N21", "N25"); err != nil {
		return summary, err
	}
	pending, err := medical.CreateMission(ctx, ledger.MissionSpec{VehicleID: "amb-4", Origin: "N21", Dest: "N22"})
	if err != nil {
		return summary, err
	}
	_, err = resolvers[model.OrgMedical].ReservePathWithResolution(ctx, pending.ID, []string{"S17"}, pending.Priority, "amb-4")
	switch {
	case errors.Is(err, controller.ErrSegmentBlocked):
		fmt.Fprintf(out, "  amb-4 direct claim refused: %v\n", err)
	case err != nil:
		return summary, err
	}
	detour, err := resolvers[model.OrgMedical].ActivateMission(ctx, pending.ID)
	if err != nil {
		return summary, err
	}
	fmt.Fprintf(out, "  amb-4 N21->N22 via %s (avoiding %s)\n", strings.Join(detour.Route.Path, ","), strings.Join(detour.Excluded, ","))

	fmt.Fprintln(out, "== conflicts")
	summary.Conflicts = history.List(0)
	for i := len(summary.Conflicts) - 1; i >= 0; i-- {
		c := summary.Conflicts[i]
		fmt.Fprintf(out, "  %s: %s (p%d) beat %s (p%d) by %s, loser %s",
			c.SegmentID, c.WinnerMissionID, c.WinnerPriority, c.LoserMissionID, c.LoserPriority, c.Resolution, c.LoserOutcome)
		if len(c.NewPath) > 0 {
			fmt.Fprintf(out, " via %s", strings.Join(c.NewPath, ","))
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "== simulation")
	if err := engine.Start(ctx); err != nil {
		return summary, err
	}
	deadline := time.Now().Add(sc.Duration)
	for engine.Registry().Len() > 0 {
		if time.Now().After(deadline) {
			summary.TimedOut = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	engine.Stop(ctx)
	engine.Wait()
	summary.Arrived = arrivals

	missions, err := medical.ListMissions(ctx, ledger.MissionFilter{})
	if err != nil {
		return summary, err
	}
	summary.Missions = missions
	for _, m := range missions {
		fmt.Fprintf(out, "  %s %-6s %-9s %s\n", m.ID, m.VehicleID, m.Status, strings.Join(m.Path, ","))
	}

	summary.History = events.Stats()
	fmt.Fprintln(out, "== history")
	fmt.Fprintf(out, "  %d events, %d missions: %d completed, %d aborted, mean trip %s\n",
		summary.History.TotalEvents, summary.History.TotalMissions,
		summary.History.ByStatus[string(model.MissionCompleted)], summary.History.ByStatus[string(model.MissionAborted)],
		summary.History.AverageDuration.Round(time.Millisecond))
	fmt.Fprintf(out, "%d vehicles arrived", summary.Arrived)
	if summary.TimedOut {
		fmt.Fprintf(out, " before the %s limit", sc.Duration)
	}
	fmt.Fprintln(out)
	return summary, nil
}
