// Package history keeps an in-memory record of what the router did: a
// bounded log of mission, segment, conflict and simulation events, plus a
// timeline per mission. It is fed from the broadcast stream.
package history

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/model"
)

// DefaultLimit is the number of events kept when no limit is configured.
const DefaultLimit = 500

// Category groups events by what they are about.
type Category string

const (
	CategoryMission    Category = "mission"
	CategorySegment    Category = "segment"
	CategoryConflict   Category = "conflict"
	CategorySimulation Category = "simulation"
)

// Entry is one recorded event.
type Entry struct {
	ID        string              `json:"id"`
	Category  Category            `json:"category"`
	Action    broadcast.EventType `json:"action"`
	Timestamp time.Time           `json:"timestamp"`

	MissionID string    `json:"missionId,omitempty"`
	VehicleID string    `json:"vehicleId,omitempty"`
	SegmentID string    `json:"segmentId,omitempty"`
	Org       model.Org `json:"org,omitempty"`
	Path      []string  `json:"path,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Timeline is the life of one mission as seen on the event stream.
type Timeline struct {
	MissionID string              `json:"missionId"`
	VehicleID string              `json:"vehicleId"`
	Org       model.Org           `json:"org,omitempty"`
	Origin    string              `json:"origin,omitempty"`
	Dest      string              `json:"dest,omitempty"`
	Path      []string            `json:"path,omitempty"`
	Status    model.MissionStatus `json:"status"`
	Reroutes  int                 `json:"reroutes"`

	CreatedAt   time.Time `json:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
	// Duration runs from activation to completion or abort.
	Duration time.Duration `json:"duration,omitempty"`

	Events []Entry `json:"events"`
}

func (t Timeline) clone() Timeline {
	t.Path = slices.Clone(t.Path)
	t.Events = slices.Clone(t.Events)
	return t
}

// Stats summarises the recorded missions.
type Stats struct {
	TotalEvents       int               `json:"totalEvents"`
	TotalMissions     int               `json:"totalMissions"`
	ByStatus          map[string]int    `json:"byStatus"`
	ByOrg             map[model.Org]int `json:"byOrg"`
	Conflicts         int               `json:"conflicts"`
	AverageDuration   time.Duration     `json:"averageDuration"`
	AveragePathLength float64           `json:"averagePathLength"`
}

// Filter narrows Events. Zero fields match everything.
type Filter struct {
	Category  Category
	Action    broadcast.EventType
	MissionID string
	VehicleID string
	Since     time.Time
	Limit     int
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.Category != "" && e.Category != f.Category:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.MissionID != "" && e.MissionID != f.MissionID:
		return false
	case f.VehicleID != "" && e.VehicleID != f.VehicleID:
		return false
	case !f.Since.IsZero() && e.Timestamp.Before(f.Since):
		return false
	}
	return true
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithLimit bounds the event log. Non-positive values keep DefaultLimit.
func WithLimit(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithClock stamps events that arrive without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is a broadcast.Sink that remembers events. Vehicle position
// updates are ignored. Mission timelines are kept for every mission seen;
// the event log drops its oldest entries past the limit.
type Recorder struct {
	mu       sync.RWMutex
	events   []Entry
	missions map[string]*Timeline
	limit    int
	now      func() time.Time
}

// NewRecorder returns an empty recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		missions: make(map[string]*Timeline),
		limit:    DefaultLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ broadcast.Sink = (*Recorder)(nil)

// Publish records e.
func (r *Recorder) Publish(e broadcast.Event) {
	entry, ok := toEntry(e)
	if !ok {
		return
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = e.Timestamp
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, entry)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = slices.Delete(r.events, 0, over)
	}
	r.track(e, entry)
}

// track updates mission timelines. Callers hold the lock.
func (r *Recorder) track(e broadcast.Event, entry Entry) {
	if entry.MissionID == "" {
		return
	}
	if e.Type == broadcast.ConflictResolved {
		if rec, ok := e.Payload.(model.ConflictRecord); ok {
			r.appendTo(rec.WinnerMissionID, entry)
			if rec.LoserMissionID != rec.WinnerMissionID {
				r.appendTo(rec.LoserMissionID, entry)
			}
		}
		return
	}
	if entry.Category != CategoryMission {
		r.appendTo(entry.MissionID, entry)
		return
	}

	t := r.timeline(entry)
	t.Events = append(t.Events, entry)
	if m, ok := e.Payload.(model.Mission); ok {
		t.Org = m.Org
		t.Origin = m.Origin
		t.Dest = m.Dest
		if len(m.Path) > 0 {
			t.Path = slices.Clone(m.Path)
		}
	}
	switch e.Type {
	case broadcast.MissionCreated:
		t.Status = model.MissionPending
	case broadcast.MissionActivated:
		t.Status = model.MissionActive
		t.ActivatedAt = entry.Timestamp
	case broadcast.MissionRerouted:
		t.Reroutes++
		if len(entry.Path) > 0 {
			t.Path = slices.Clone(entry.Path)
		}
	case broadcast.MissionCompleted:
		r.end(t, model.MissionCompleted, entry.Timestamp)
	case broadcast.MissionAborted:
		r.end(t, model.MissionAborted, entry.Timestamp)
	}
}

func (r *Recorder) end(t *Timeline, status model.MissionStatus, at time.Time) {
	t.Status = status
	t.EndedAt = at
	if !t.ActivatedAt.IsZero() {
		t.Duration = at.Sub(t.ActivatedAt)
	}
}

func (r *Recorder) timeline(entry Entry) *Timeline {
	t, ok := r.missions[entry.MissionID]
	if !ok {
		t = &Timeline{
			MissionID: entry.MissionID,
			Status:    model.MissionPending,
			CreatedAt: entry.Timestamp,
		}
		r.missions[entry.MissionID] = t
	}
	if t.VehicleID == "" {
		t.VehicleID = entry.VehicleID
	}
	return t
}

// appendTo adds entry to a mission already being tracked.
func (r *Recorder) appendTo(missionID string, entry Entry) {
	if t, ok := r.missions[missionID]; ok {
		t.Events = append(t.Events, entry)
	}
}

// Events returns matching events, newest first.
func (r *Recorder) Events(f Filter) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for i := len(r.events) - 1; i >= 0; i-- {
		if !f.match(r.events[i]) {
			continue
		}
		out = append(out, r.events[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Missions returns every timeline, most recently created first. A
// non-empty status keeps only missions in that state.
func (r *Recorder) Missions(status model.MissionStatus) []Timeline {
	r.mu.RLock()
	out := make([]Timeline, 0, len(r.missions))
	for _, t := range r.missions {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].MissionID < out[j].MissionID
	})
	return out
}

// Mission returns the timeline of one mission.
func (r *Recorder) Mission(id string) (Timeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.missions[id]
	if !ok {
		return Timeline{}, false
	}
	return t.clone(), true
}

// Stats aggregates the recorded missions.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		TotalEvents:   len(r.events),
		TotalMissions: len(r.missions),
		ByStatus:      make(map[string]int),
		ByOrg:         make(map[model.Org]int),
	}
	for _, e := range r.events {
		if e.Category == CategoryConflict {
			s.Conflicts++
		}
	}

	var (
		total     time.Duration
		completed int
		segments  int
		withPath  int
	)
	for _, t := range r.missions {
		s.ByStatus[string(t.Status)]++
		if t.Org != "" {
			s.ByOrg[t.Org]++
		}
		if t.Status == model.MissionCompleted && t.Duration > 0 {
			total += t.Duration
			completed++
		}
		if len(t.Path) > 0 {
			segments += len(t.Path)
			withPath++
		}
	}
	if completed > 0 {
		s.AverageDuration = total / time.Duration(completed)
	}
	if withPath > 0 {
		s.AveragePathLength = math.Round(float64(segments)/float64(withPath)*10) / 10
	}
	return s
}

// Reset forgets everything.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.missions = make(map[string]*Timeline)
}

func toEntry(e broadcast.Event) (Entry, bool) {
	entry := Entry{Action: e.Type}
	switch e.Type {
	case broadcast.VehiclePosition:
		return Entry{}, false
	case broadcast.MissionCreated, broadcast.MissionActivated, broadcast.MissionCompleted,
		broadcast.MissionAborted, broadcast.MissionRerouted:
		entry.Category = CategoryMission
	case broadcast.ConflictResolved:
		entry.Category = CategoryConflict
	case broadcast.SegmentUpdated, broadcast.SegmentTransition:
		entry.Category = CategorySegment
	default:
		entry.Category = CategorySimulation
	}

	switch p := e.Payload.(type) {
	case model.Mission:
		entry.MissionID = p.ID
		entry.VehicleID = p.VehicleID
		entry.Org = p.Org
		entry.Path = slices.Clone(p.Path)
		entry.Details = fmt.Sprintf("%s -> %s", p.Origin, p.Dest)
	case model.ConflictRecord:
		entry.MissionID = p.LoserMissionID
		entry.SegmentID = p.SegmentID
		entry.Details = fmt.Sprintf("%s beat %s by %s, loser %s", p.WinnerMissionID, p.LoserMissionID, p.Resolution, p.LoserOutcome)
	case map[string]any:
		entry.MissionID = str(p, "missionId")
		entry.VehicleID = str(p, "vehicleId")
		entry.SegmentID = str(p, "segmentId")
		if entry.SegmentID == "" {
			entry.SegmentID = str(p, "toSegment")
		}
		if path, ok := p["newPath"].([]string); ok {
			entry.Path = slices.Clone(path)
		}
		switch {
		case str(p, "reason") != "":
			entry.Details = str(p, "reason")
		case str(p, "action") != "":
			entry.Details = str(p, "action")
		}
	}
	return entry, true
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
