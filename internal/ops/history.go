package ops

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/emergency-routing/internal/broadcast"
	"github.com/signalsfoundry/emergency-routing/internal/history"
	"github.com/signalsfoundry/emergency-routing/model"
)

// DefaultHistoryLimit caps /debug/history when no limit is given.
const DefaultHistoryLimit = 100

// History is the read side of the event recorder.
type History interface {
	Events(f history.Filter) []history.Entry
	Missions(status model.MissionStatus) []history.Timeline
	Mission(id string) (history.Timeline, bool)
	Stats() history.Stats
}

func (s *Server) historyEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not configured")
		return
	}
	limit, ok := queryLimit(w, r, DefaultHistoryLimit)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := history.Filter{
		Category:  history.Category(q.Get("category")),
		Action:    broadcast.EventType(q.Get("action")),
		MissionID: q.Get("mission"),
		VehicleID: q.Get("vehicle"),
		Limit:     limit,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}
	events := s.history.Events(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) historyMissions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not configured")
		return
	}
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	missions := s.history.Missions(model.MissionStatus(r.URL.Query().Get("status")))
	if limit > 0 && len(missions) > limit {
		missions = missions[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"missions": missions,
		"count":    len(missions),
	})
}

func (s *Server) historyMission(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not configured")
		return
	}
	id := mux.Vars(r)["id"]
	t, ok := s.history.Mission(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no history for mission "+id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) historyStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.history.Stats())
}
