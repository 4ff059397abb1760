// Package ops serves the router's operational HTTP surface: metrics,
// health and read-mostly debug views of the simulation and the ledger.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/emergency-routing/core"
	"github.com/signalsfoundry/emergency-routing/internal/ledger"
	"github.com/signalsfoundry/emergency-routing/internal/logging"
	"github.com/signalsfoundry/emergency-routing/internal/sim"
	"github.com/signalsfoundry/emergency-routing/kb"
	"github.com/signalsfoundry/emergency-routing/model"
)

// Simulation is the part of the engine the debug endpoints drive.
type Simulation interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context)
	Stop(ctx context.Context)
	Reload(ctx context.Context) (int, error)
	Status() sim.Status
	Positions() []sim.Position
}

// Ledger is the read side of the ledger used for the graph view.
type Ledger interface {
	Snapshot(ctx context.Context) (map[string]model.Segment, error)
	GetMission(ctx context.Context, id string) (model.Mission, error)
}

// Conflicts lists recorded conflicts, newest first.
type Conflicts interface {
	List(n int) []model.ConflictRecord
}

// Option customises a Server.
type Option func(*Server)

func WithLogger(l logging.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func WithSimulation(engine Simulation) Option { return func(s *Server) { s.sim = engine } }

func WithConflicts(c Conflicts) Option { return func(s *Server) { s.conflicts = c } }

func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

// Server routes the operational endpoints.
type Server struct {
	graph     *kb.Graph
	ledger    Ledger
	sim       Simulation
	conflicts Conflicts
	history   History
	metrics   http.Handler
	log       logging.Logger

	router *mux.Router
}

// NewServer builds the router. Endpoints whose collaborator is missing
// answer 503.
func NewServer(g *kb.Graph, l Ledger, opts ...Option) *Server {
	s := &Server{graph: g, ledger: l, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.Component("ops"))

	r := mux.NewRouter()
	r.Use(RequestIDMiddleware(s.log))
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	debug := r.PathPrefix("/debug").Subrouter()
	debug.HandleFunc("/graph.dot", s.graphDOT).Methods(http.MethodGet)
	debug.HandleFunc("/simulation", s.simulation).Methods(http.MethodGet)
	debug.HandleFunc("/simulation/{action:start|pause|stop|reload}", s.simulationAction).Methods(http.MethodPost)
	debug.HandleFunc("/conflicts", s.listConflicts).Methods(http.MethodGet)
	debug.HandleFunc("/history", s.historyEvents).Methods(http.MethodGet)
	debug.HandleFunc("/history/missions", s.historyMissions).Methods(http.MethodGet)
	debug.HandleFunc("/history/missions/{id}", s.historyMission).Methods(http.MethodGet)
	debug.HandleFunc("/history/stats", s.historyStats).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.graph != nil {
		body["nodes"] = s.graph.NodeCount()
		body["segments"] = s.graph.EdgeCount()
	}
	if s.sim != nil {
		st := s.sim.Status()
		body["simulationRunning"] = st.Running
		body["simulatedVehicles"] = st.Vehicles
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) graphDOT(w http.ResponseWriter, r *http.Request) {
	if s.graph == nil || s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "road graph not loaded")
		return
	}
	ctx := r.Context()
	opts := core.DOTOptions{}
	live, err := s.ledger.Snapshot(ctx)
	if err != nil {
		s.log.Warn(ctx, "ledger snapshot failed; rendering static graph", logging.Err(err))
	} else {
		opts.Live = live
	}
	if id := r.URL.Query().Get("mission"); id != "" {
		m, err := s.ledger.GetMission(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown mission "+id)
			return
		case err != nil:
			s.log.Error(ctx, "mission lookup failed", logging.String("mission_id", id), logging.Err(err))
			writeError(w, http.StatusInternalServerError, "mission lookup failed")
			return
		}
		opts.Highlight = m.Path
		opts.Name = "mission_" + sanitizeName(m.ID)
	}

	dot, err := core.ExportDOT(s.graph, opts)
	if err != nil {
		s.log.Error(ctx, "DOT export failed", logging.Err(err))
		writeError(w, http.StatusInternalServerError, "DOT export failed")
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dot))
}

func (s *Server) simulation(w http.ResponseWriter, r *http.Request) {
	if s.sim == nil {
		writeError(w, http.StatusServiceUnavailable, "simulation not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   s.sim.Status(),
		"vehicles": s.sim.Positions(),
	})
}

func (s *Server) simulationAction(w http.ResponseWriter, r *http.Request) {
	if s.sim == nil {
		writeError(w, http.StatusServiceUnavailable, "simulation not configured")
		return
	}
	ctx := r.Context()
	action := mux.Vars(r)["action"]
	body := map[string]any{"action": action}
	switch action {
	case "start":
		if err := s.sim.Start(ctx); err != nil {
			s.log.Error(ctx, "simulation start failed", logging.Err(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "pause":
		s.sim.Pause(ctx)
	case "stop":
		s.sim.Stop(ctx)
	case "reload":
		added, err := s.sim.Reload(ctx)
		if err != nil {
			s.log.Error(ctx, "simulation reload failed", logging.Err(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		body["added"] = added
	}
	s.log.Info(ctx, "simulation control", logging.String("action", action))
	body["status"] = s.sim.Status()
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	if s.conflicts == nil {
		writeError(w, http.StatusServiceUnavailable, "conflict history not configured")
		return
	}
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	records := s.conflicts.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": records,
		"count":     len(records),
	})
}

// queryLimit parses the limit query parameter, answering 400 itself when
// it is malformed.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// sanitizeName keeps DOT graph names to identifier characters.
func sanitizeName(id string) string {
	out := []byte(id)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
