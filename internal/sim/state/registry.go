// Package state holds the simulation's owned view of moving vehicles.
package state

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/emergency-routing/model"
)

var (
	// ErrVehicleExists indicates the vehicle is already being simulated.
	ErrVehicleExists = errors.New("vehicle already simulated")
	// ErrVehicleNotFound indicates the vehicle is not being simulated.
	ErrVehicleNotFound = errors.New("vehicle not simulated")
	// ErrVehicleInvalid indicates an input vehicle failed validation.
	ErrVehicleInvalid = errors.New("invalid simulated vehicle")
)

// Status is the simulation status of one vehicle.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusMoving  Status = "moving"
	StatusPaused  Status = "paused"
	StatusArrived Status = "arrived"
	StatusAborted Status = "aborted"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusIdle, StatusMoving, StatusPaused, StatusArrived, StatusAborted}

// Vehicle is a vehicle the simulation is advancing along a mission path.
type Vehicle struct {
	VehicleID string    `json:"vehicleId"`
	MissionID string    `json:"missionId"`
	Org       model.Org `json:"org"`
	Priority  int       `json:"priority"`

	Path []string `json:"path"`
	// Start is the node Path leaves from.
	Start  string `json:"start"`
	Origin string `json:"origin"`
	Dest   string `json:"dest"`

	SegmentIndex int `json:"segmentIndex"`
	// Progress along the current segment, 0 to 100.
	Progress float64 `json:"progress"`
	Status   Status  `json:"status"`

	StartedAt time.Time `json:"startedAt"`
}

// CurrentSegment returns the segment the vehicle is on, or "" when the
// index is out of range.
func (v Vehicle) CurrentSegment() string {
	if v.SegmentIndex < 0 || v.SegmentIndex >= len(v.Path) {
		return ""
	}
	return v.Path[v.SegmentIndex]
}

// OnLastSegment reports whether the vehicle is on the final path segment.
func (v Vehicle) OnLastSegment() bool {
	return v.SegmentIndex == len(v.Path)-1
}

func (v Vehicle) clone() Vehicle {
	v.Path = slices.Clone(v.Path)
	return v
}

// MetricsRecorder receives per-status vehicle counts after every change.
type MetricsRecorder interface {
	SetSimulatedVehicles(counts map[string]int)
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithMetrics reports status counts to m.
func WithMetrics(m MetricsRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the set of simulated vehicles keyed by vehicle ID, with a
// secondary index by mission ID. Callers get copies; mutation goes through
// Update.
type Registry struct {
	mu        sync.RWMutex
	vehicles  map[string]*Vehicle
	byMission map[string]string

	metrics MetricsRecorder
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		vehicles:  make(map[string]*Vehicle),
		byMission: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add starts tracking v.
func (r *Registry) Add(v Vehicle) error {
	if v.VehicleID == "" || v.MissionID == "" {
		return fmt.Errorf("%w: vehicle and mission ids are required", ErrVehicleInvalid)
	}
	if len(v.Path) == 0 {
		return fmt.Errorf("%w: %q has an empty path", ErrVehicleInvalid, v.VehicleID)
	}
	if v.Status == "" {
		v.Status = StatusIdle
	}

	r.mu.Lock()
	if _, exists := r.vehicles[v.VehicleID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrVehicleExists, v.VehicleID)
	}
	if other, exists := r.byMission[v.MissionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: mission %q already driven by %q", ErrVehicleExists, v.MissionID, other)
	}
	c := v.clone()
	r.vehicles[v.VehicleID] = &c
	r.byMission[v.MissionID] = v.VehicleID
	counts := r.countsLocked()
	r.mu.Unlock()

	r.report(counts)
	return nil
}

// Get returns a copy of the vehicle.
func (r *Registry) Get(vehicleID string) (Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		return Vehicle{}, false
	}
	return v.clone(), true
}

// ByMission returns a copy of the vehicle driving missionID.
func (r *Registry) ByMission(missionID string) (Vehicle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byMission[missionID]
	if !ok {
		return Vehicle{}, false
	}
	return r.vehicles[id].clone(), true
}

// CurrentSegment returns the segment the mission's vehicle is on.
func (r *Registry) CurrentSegment(missionID string) (string, bool) {
	v, ok := r.ByMission(missionID)
	if !ok {
		return "", false
	}
	seg := v.CurrentSegment()
	return seg, seg != ""
}

// Update applies fn to the stored vehicle and returns the result. The
// vehicle and mission IDs cannot be changed.
func (r *Registry) Update(vehicleID string, fn func(*Vehicle)) (Vehicle, error) {
	r.mu.Lock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		r.mu.Unlock()
		return Vehicle{}, fmt.Errorf("%w: %q", ErrVehicleNotFound, vehicleID)
	}
	id, mission := v.VehicleID, v.MissionID
	fn(v)
	v.VehicleID, v.MissionID = id, mission
	out := v.clone()
	counts := r.countsLocked()
	r.mu.Unlock()

	r.report(counts)
	return out, nil
}

// UpdateAll applies fn to every vehicle, in vehicle ID order.
func (r *Registry) UpdateAll(fn func(*Vehicle)) {
	r.mu.Lock()
	for _, id := range r.idsLocked() {
		v := r.vehicles[id]
		vid, mission := v.VehicleID, v.MissionID
		fn(v)
		v.VehicleID, v.MissionID = vid, mission
	}
	counts := r.countsLocked()
	r.mu.Unlock()

	r.report(counts)
}

// Remove stops tracking the vehicle and returns its last state.
func (r *Registry) Remove(vehicleID string) (Vehicle, bool) {
	r.mu.Lock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		r.mu.Unlock()
		return Vehicle{}, false
	}
	delete(r.vehicles, vehicleID)
	delete(r.byMission, v.MissionID)
	counts := r.countsLocked()
	r.mu.Unlock()

	r.report(counts)
	return *v, true
}

// Snapshot returns copies of every vehicle ordered by vehicle ID.
func (r *Registry) Snapshot() []Vehicle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Vehicle, 0, len(r.vehicles))
	for _, id := range r.idsLocked() {
		out = append(out, r.vehicles[id].clone())
	}
	return out
}

// Clear removes every vehicle and returns how many were dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	n := len(r.vehicles)
	r.vehicles = make(map[string]*Vehicle)
	r.byMission = make(map[string]string)
	counts := r.countsLocked()
	r.mu.Unlock()

	r.report(counts)
	return n
}

// Len returns the number of tracked vehicles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vehicles)
}

// Counts returns the number of vehicles per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, v := range r.vehicles {
		out[v.Status]++
	}
	return out
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.vehicles))
	for id := range r.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) countsLocked() map[string]int {
	if r.metrics == nil {
		return nil
	}
	counts := make(map[string]int)
	for _, v := range r.vehicles {
		counts[string(v.Status)]++
	}
	return counts
}

func (r *Registry) report(counts map[string]int) {
	if r.metrics != nil {
		r.metrics.SetSimulatedVehicles(counts)
	}
}
