// Package sim advances vehicles along their mission paths on a fixed tick
// and mirrors segment transitions into the ledger.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/sim/state"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
	"github.com/signalsfoundry/emergency-routing/timectrl"
)

const (
	DefaultTickInterval      = 500 * time.Millisecond
	DefaultSegmentTravelTime = 3 * time.Second
	MinSpeed                 = 0.1
	MaxSpeed                 = 5.0
	// NominalSpeedKmh is the speed reported with every position.
	NominalSpeedKmh = 50.0
)

var (
	// ErrMissionNotSimulatable is returned for missions that are not active
	// or have no path.
	ErrMissionNotSimulatable = errors.New("sim: mission cannot be simulated")
)

// Ledger is what the engine reads and writes while driving vehicles.
type Ledger interface {
	Org() model.Org
	GetMission(ctx context.Context, id string) (model.Mission, error)
	ListMissions(ctx context.Context, f ledger.MissionFilter) ([]model.Mission, error)
	OccupySegment(ctx context.Context, segmentID, vehicleID string) error
	ReleaseSegment(ctx context.Context, segmentID, vehicleID string) error
	CompleteMission(ctx context.Context, id string) (model.Mission, error)
}

// Recorder receives simulation measurements.
type Recorder interface {
	IncTicks()
	IncSegmentTransitions()
	IncArrivals()
	IncLedgerRetry(op string)
	IncLedgerFailure(op string)
	SetSimulatedVehicles(counts map[string]int)
}

// Engine drives every simulated vehicle from one periodic tick. Ledger
// writes run in tracked goroutines and never hold up the tick.
type Engine struct {
	mu       sync.Mutex
	running  bool
	paused   bool
	speed    float64
	external bool

	tickInterval time.Duration
	travelTime   time.Duration
	mode         timectrl.Mode
	driver       *timectrl.TimeController
	stopDriver   context.CancelFunc
	driverDone   <-chan struct{}

	registry *state.Registry
	graph    *kb.Graph
	ledger   Ledger
	peers    map[model.Org]Ledger

	sink    broadcast.Sink
	metrics Recorder
	log     logging.Logger
	policy  retry.Policy
	now     func() time.Time

	writes       sync.WaitGroup
	writeCtx     context.Context
	cancelWrites context.CancelFunc
}

// Option customises an Engine.
type Option func(*Engine)

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithSink(s broadcast.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

func WithMetrics(m Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithPeers lets the engine write segment transitions for vehicles of
// other organizations.
func WithPeers(peers ...Ledger) Option {
	return func(e *Engine) {
		for _, p := range peers {
			if p != nil {
				e.peers[p.Org()] = p
			}
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

func WithSegmentTravelTime(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.travelTime = d
		}
	}
}

func WithSpeed(s float64) Option { return func(e *Engine) { e.speed = clampSpeed(s) } }

// WithMode selects real-time or accelerated ticking.
func WithMode(m timectrl.Mode) Option { return func(e *Engine) { e.mode = m } }

// WithExternalTicks leaves ticking to the caller: Start does not launch a
// driver and Tick must be called explicitly.
func WithExternalTicks() Option { return func(e *Engine) { e.external = true } }

// WithRetryPolicy sets the backoff for ledger writes. The predicates are
// always the ledger's own.
func WithRetryPolicy(p retry.Policy) Option { return func(e *Engine) { e.policy = p } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine builds a stopped engine writing through l.
func NewEngine(l Ledger, g *kb.Graph, opts ...Option) *Engine {
	e := &Engine{
		speed:        1,
		tickInterval: DefaultTickInterval,
		travelTime:   DefaultSegmentTravelTime,
		mode:         timectrl.RealTime,
		graph:        g,
		ledger:       l,
		peers:        make(map[model.Org]Ledger),
		sink:         broadcast.Discard(),
		log:          logging.Noop(),
		policy:       retry.DefaultPolicy(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Retryable = ledger.IsRetryable
	e.policy.Satisfied = ledger.IsIdempotent

	var regOpts []state.RegistryOption
	if e.metrics != nil {
		regOpts = append(regOpts, state.WithMetrics(e.metrics))
	}
	e.registry = state.NewRegistry(regOpts...)
	e.writeCtx, e.cancelWrites = context.WithCancel(context.Background())

	e.driver = timectrl.NewTimeController(e.now(), e.tickInterval, e.mode)
	e.driver.AddListener(func(time.Time) { e.Tick(e.writeCtx) })
	return e
}

// Registry exposes the simulated vehicles.
func (e *Engine) Registry() *state.Registry { return e.registry }

// Start begins or resumes the simulation. A fresh start loads every active
// mission from the ledger first; vehicles waiting idle start moving.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running && !e.paused {
		e.mu.Unlock()
		return nil
	}
	resume := e.running && e.paused
	e.mu.Unlock()

	if !resume {
		if _, err := e.LoadActiveMissions(ctx); err != nil {
			e.log.Warn(ctx, "loading active missions failed; starting with the current registry", logging.Err(err))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry.UpdateAll(func(v *state.Vehicle) {
		if v.Status == state.StatusIdle || v.Status == state.StatusPaused {
			v.Status = state.StatusMoving
		}
	})
	e.running, e.paused = true, false
	e.startDriverLocked()
	e.log.Info(ctx, "simulation started",
		logging.Bool("resumed", resume),
		logging.Int("vehicles", e.registry.Len()),
	)
	e.sink.Publish(broadcast.Event{Type: broadcast.SimulationStarted, Payload: e.statusLocked()})
	return nil
}

// Pause freezes every moving vehicle. Ledger writes already in flight keep
// going.
func (e *Engine) Pause(ctx context.Context) {
	e.mu.Lock()
	if !e.running || e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.registry.UpdateAll(func(v *state.Vehicle) {
		if v.Status == state.StatusMoving {
			v.Status = state.StatusPaused
		}
	})
	done := e.stopDriverLocked()
	e.log.Info(ctx, "simulation paused")
	e.sink.Publish(broadcast.Event{Type: broadcast.SimulationPaused, Payload: e.statusLocked()})
	e.mu.Unlock()

	waitDriver(done)
}

// Stop halts the simulation and forgets every vehicle.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.running, e.paused = false, false
	done := e.stopDriverLocked()
	dropped := e.registry.Clear()
	e.log.Info(ctx, "simulation stopped", logging.Int("vehicles_dropped", dropped))
	e.sink.Publish(broadcast.Event{Type: broadcast.SimulationStopped, Payload: e.statusLocked()})
	e.mu.Unlock()

	waitDriver(done)
}

// SetSpeed changes the speed multiplier, clamped to [MinSpeed, MaxSpeed],
// and returns the value applied.
func (e *Engine) SetSpeed(s float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = clampSpeed(s)
	e.sink.Publish(broadcast.Event{Type: broadcast.SimulationSpeedChanged, Payload: map[string]any{
		"speedMultiplier": e.speed,
	}})
	return e.speed
}

// Wait blocks until every background ledger write has finished.
func (e *Engine) Wait() { e.writes.Wait() }

// Close stops the simulation, drains background writes and releases the
// write context.
func (e *Engine) Close(ctx context.Context) {
	e.Stop(ctx)
	e.Wait()
	e.cancelWrites()
}

func (e *Engine) startDriverLocked() {
	if e.external || e.stopDriver != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := e.driver.Run(ctx, 0)
	if done == nil {
		cancel()
		e.log.Warn(context.Background(), "tick driver still winding down; ticks resume on the next start")
		return
	}
	e.stopDriver, e.driverDone = cancel, done
}

// stopDriverLocked cancels the driver and returns a channel to wait on once
// the engine lock is released; the driver may be blocked on that lock.
func (e *Engine) stopDriverLocked() <-chan struct{} {
	if e.stopDriver == nil {
		return nil
	}
	e.stopDriver()
	done := e.driverDone
	e.stopDriver, e.driverDone = nil, nil
	return done
}

func waitDriver(done <-chan struct{}) {
	if done != nil {
		<-done
	}
}

func clampSpeed(s float64) float64 {
	if math.IsNaN(s) {
		return 1
	}
	return math.Max(MinSpeed, math.Min(MaxSpeed, s))
}

// increment is the progress, in percent of a segment, gained per tick.
func (e *Engine) increment() float64 {
	return float64(e.tickInterval) / (float64(e.travelTime) / e.speed) * 100
}

// clientFor returns the ledger identity that may write for org.
func (e *Engine) clientFor(org model.Org) (Ledger, bool) {
	if org == e.ledger.Org() {
		return e.ledger, true
	}
	l, ok := e.peers[org]
	return l, ok
}

func (e *Engine) missionError(missionID string, format string, args ...any) error {
	return fmt.Errorf("%w: %q %s", ErrMissionNotSimulatable, missionID, fmt.Sprintf(format, args...))
}
