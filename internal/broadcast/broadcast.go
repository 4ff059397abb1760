// Package broadcast fans router events out to observers without ever
// blocking the publisher.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names an event on the wire.
type EventType string

const (
	SegmentUpdated EventType = "SEGMENT_UPDATED"
	VehicleUpdated EventType = "VEHICLE_UPDATED"

	MissionCreated   EventType = "MISSION_CREATED"
	MissionActivated EventType = "MISSION_ACTIVATED"
	MissionCompleted EventType = "MISSION_COMPLETED"
	MissionAborted   EventType = "MISSION_ABORTED"
	MissionRerouted  EventType = "MISSION_REROUTED"
	ConflictResolved EventType = "CONFLICT_RESOLVED"

	VehiclePosition   EventType = "VEHICLE_POSITION"
	SegmentTransition EventType = "SEGMENT_TRANSITION"

	SimulationStarted      EventType = "SIMULATION_STARTED"
	SimulationPaused       EventType = "SIMULATION_PAUSED"
	SimulationStopped      EventType = "SIMULATION_STOPPED"
	SimulationSpeedChanged EventType = "SIMULATION_SPEED_CHANGED"
	SimulationReloaded     EventType = "SIMULATION_RELOADED"

	VehicleAdded    EventType = "VEHICLE_ADDED"
	VehicleArrived  EventType = "VEHICLE_ARRIVED"
	VehicleRerouted EventType = "VEHICLE_REROUTED"
	VehicleAborted  EventType = "VEHICLE_ABORTED"
)

// Event is one message to observers.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink accepts events. Publish must not block and never reports failure.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
func Discard() Sink { return SinkFunc(func(Event) {}) }

// DropRecorder is notified whenever a subscriber misses an event.
type DropRecorder interface {
	IncBroadcastDrops(EventType)
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithDropRecorder reports dropped events to r.
func WithDropRecorder(r DropRecorder) HubOption {
	return func(h *Hub) { h.recorder = r }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// Hub is an in-process Sink with any number of buffered subscribers. A
// subscriber whose buffer is full misses the event; the publisher moves on.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	dropped  atomic.Uint64
	recorder DropRecorder
	now      func() time.Time
}

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs: make(map[uint64]chan Event),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus a function that unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			if h.recorder != nil {
				h.recorder.IncBroadcastDrops(e.Type)
			}
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone. Later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Multi publishes to several sinks in order.
type Multi []Sink

func (m Multi) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}
