package sim

import (
	"context"
	"time"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/retry"
	"github.com/signalsfoundry/emergency-routing/internal/sim/state"
)

// Tick advances every moving vehicle once. It is a no-op unless the
// simulation is running and not paused.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return
	}
	if e.metrics != nil {
		e.metrics.IncTicks()
	}
	inc := e.increment()
	for _, v := range e.registry.Snapshot() {
		if v.Status != state.StatusMoving {
			continue
		}
		e.advance(ctx, v.VehicleID, inc)
	}
}

// advance moves one vehicle. A panic here is logged and confined to the
// vehicle.
func (e *Engine) advance(ctx context.Context, vehicleID string, inc float64) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(ctx, "vehicle tick panicked",
				logging.String("vehicle_id", vehicleID),
				logging.Any("panic", r),
			)
		}
	}()

	var (
		arrived    bool
		transition bool
		prev       string
	)
	v, err := e.registry.Update(vehicleID, func(v *state.Vehicle) {
		v.Progress += inc
		if v.Progress < 100 {
			return
		}
		v.Progress = 0
		if v.SegmentIndex >= len(v.Path)-1 {
			v.Status = state.StatusArrived
			arrived = true
			return
		}
		prev = v.CurrentSegment()
		v.SegmentIndex++
		transition = true
	})
	if err != nil {
		return
	}

	switch {
	case arrived:
		e.arrive(ctx, v)
		return
	case transition:
		e.transition(ctx, v, prev)
	}
	e.publishPosition(v)
}

func (e *Engine) arrive(ctx context.Context, v state.Vehicle) {
	e.registry.Remove(v.VehicleID)
	if e.metrics != nil {
		e.metrics.IncArrivals()
	}
	e.log.Info(ctx, "vehicle arrived",
		logging.String("vehicle_id", v.VehicleID),
		logging.String("mission_id", v.MissionID),
		logging.String("dest", v.Dest),
	)

	last := v.Path[len(v.Path)-1]
	e.background(ctx, v, func(ctx context.Context, l Ledger) {
		e.write(ctx, "release", v, func(ctx context.Context) error {
			return l.ReleaseSegment(ctx, last, v.VehicleID)
		}, func() { e.publishSegment(last, "free", v) })
		e.write(ctx, "complete", v, func(ctx context.Context) error {
			_, err := l.CompleteMission(ctx, v.MissionID)
			return err
		}, func() {
			e.sink.Publish(broadcast.Event{Type: broadcast.MissionCompleted, Payload: map[string]any{
				"missionId": v.MissionID,
				"vehicleId": v.VehicleID,
				"status":    "completed",
			}})
		})
	})
	e.sink.Publish(broadcast.Event{Type: broadcast.VehicleArrived, Payload: map[string]any{
		"vehicleId": v.VehicleID,
		"missionId": v.MissionID,
	}})
}

func (e *Engine) transition(ctx context.Context, v state.Vehicle, prev string) {
	next := v.CurrentSegment()
	if e.metrics != nil {
		e.metrics.IncSegmentTransitions()
	}
	e.log.Debug(ctx, "vehicle changed segment",
		logging.String("vehicle_id", v.VehicleID),
		logging.String("from", prev),
		logging.String("to", next),
	)

	e.background(ctx, v, func(ctx context.Context, l Ledger) {
		e.write(ctx, "release", v, func(ctx context.Context) error {
			return l.ReleaseSegment(ctx, prev, v.VehicleID)
		}, func() { e.publishSegment(prev, "free", v) })
		e.write(ctx, "occupy", v, func(ctx context.Context) error {
			return l.OccupySegment(ctx, next, v.VehicleID)
		}, func() { e.publishSegment(next, "occupied", v) })
	})
	e.sink.Publish(broadcast.Event{Type: broadcast.SegmentTransition, Payload: map[string]any{
		"vehicleId":    v.VehicleID,
		"missionId":    v.MissionID,
		"fromSegment":  prev,
		"toSegment":    next,
		"segmentIndex": v.SegmentIndex,
	}})
}

// background runs fn in a tracked goroutine with the ledger identity of
// the vehicle's organization. The tick never waits for it.
func (e *Engine) background(ctx context.Context, v state.Vehicle, fn func(context.Context, Ledger)) {
	l, ok := e.clientFor(v.Org)
	if !ok {
		if e.metrics != nil {
			e.metrics.IncLedgerFailure("identity")
		}
		e.log.Warn(ctx, "no ledger identity for vehicle organization; skipping ledger update",
			logging.String("vehicle_id", v.VehicleID),
			logging.String("org", string(v.Org)),
		)
		return
	}
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error(e.writeCtx, "ledger update panicked",
					logging.String("vehicle_id", v.VehicleID),
					logging.Any("panic", r),
				)
			}
		}()
		fn(e.writeCtx, l)
	}()
}

// write runs one ledger write under the retry policy. Errors meaning the
// write already happened count as success; anything left over is logged
// and counted, never returned.
func (e *Engine) write(ctx context.Context, op string, v state.Vehicle, fn func(context.Context) error, onSuccess func()) {
	p := e.policy
	p.OnRetry = func(err error, attempt uint, wait time.Duration) {
		if e.metrics != nil {
			e.metrics.IncLedgerRetry(op)
		}
		e.log.Debug(ctx, "retrying ledger write",
			logging.String("op", op),
			logging.String("vehicle_id", v.VehicleID),
			logging.Int("attempt", int(attempt)),
			logging.Duration("wait", wait),
			logging.Err(err),
		)
	}
	outcome, err := retry.Do(ctx, p, fn)
	if err != nil {
		if e.metrics != nil {
			e.metrics.IncLedgerFailure(op)
		}
		e.log.Warn(ctx, "ledger write failed; simulation continues",
			logging.String("op", op),
			logging.String("vehicle_id", v.VehicleID),
			logging.String("mission_id", v.MissionID),
			logging.Err(err),
		)
		return
	}
	if outcome == retry.AlreadySatisfied {
		e.log.Debug(ctx, "ledger write already applied",
			logging.String("op", op),
			logging.String("vehicle_id", v.VehicleID),
		)
	}
	if onSuccess != nil {
		onSuccess()
	}
}

func (e *Engine) publishSegment(segmentID, status string, v state.Vehicle) {
	action := "occupied"
	if status == "free" {
		action = "released"
	}
	e.sink.Publish(broadcast.Event{Type: broadcast.SegmentUpdated, Payload: map[string]any{
		"action":    action,
		"segmentId": segmentID,
		"status":    status,
		"vehicleId": v.VehicleID,
		"missionId": v.MissionID,
	}})
}

func (e *Engine) publishPosition(v state.Vehicle) {
	e.sink.Publish(broadcast.Event{Type: broadcast.VehiclePosition, Payload: e.position(v)})
}
