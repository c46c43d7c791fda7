package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ldi/foreman/embed/web"
	"github.com/ldi/foreman/internal/db"
	"github.com/ldi/foreman/internal/graph"
	"github.com/ldi/foreman/internal/scheduler"
	"github.com/ldi/foreman/pkg/models"
)

// WorktreeLister lists the repository's worktrees for the dashboard.
type WorktreeLister interface {
	List(ctx context.Context) ([]*models.WorktreeContext, error)
}

// Server exposes the board, graph, and scheduler state over HTTP.
type Server struct {
	db        *db.DB
	worktrees WorktreeLister
	cfg       *scheduler.Config
	records   func() []scheduler.RunRecord
	server    *http.Server
}

// NewServer wires the web API. worktrees and records may be nil when the
// server runs without an active scheduler; their endpoints then return
// empty results.
func NewServer(database *db.DB, worktrees WorktreeLister, cfg *scheduler.Config, records func() []scheduler.RunRecord) *Server {
	if cfg == nil {
		cfg = scheduler.NewConfig(0, true)
	}
	return &Server{
		db:        database,
		worktrees: worktrees,
		cfg:       cfg,
		records:   records,
	}
}

func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/features", s.handleFeatures)
	mux.HandleFunc("/api/graph", s.handleGraph)
	mux.HandleFunc("/api/worktrees", s.handleWorktrees)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/config", s.handleConfig)

	// Static files
	mux.Handle("/", http.FileServer(http.FS(web.Assets)))

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	var status *models.FeatureStatus
	if q := r.URL.Query().Get("status"); q != "" {
		fs := models.FeatureStatus(q)
		status = &fs
	}

	features, err := s.db.ListFeatures(r.Context(), status)
	s.respond(w, features, err)
}

// handleGraph resolves the current snapshot and returns the full report:
// ordered features, cycles, missing and blocking dependencies.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.db.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respond(w, graph.Resolve(snapshot), nil)
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	if s.worktrees == nil {
		s.respond(w, []*models.WorktreeContext{}, nil)
		return
	}
	contexts, err := s.worktrees.List(r.Context())
	s.respond(w, contexts, err)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.respond(w, []scheduler.RunRecord{}, nil)
		return
	}
	s.respond(w, s.records(), nil)
}

type configPayload struct {
	MaxConcurrency  int  `json:"max_concurrency"`
	BlockingEnabled bool `json:"blocking_enabled"`
}

// handleConfig reads or adjusts the scheduler knobs. Changes apply on the
// next tick; running sessions are never affected.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respond(w, configPayload{
			MaxConcurrency:  s.cfg.MaxConcurrency(),
			BlockingEnabled: s.cfg.BlockingEnabled(),
		}, nil)
	case http.MethodPost:
		var payload configPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if payload.MaxConcurrency > 0 {
			s.cfg.SetMaxConcurrency(payload.MaxConcurrency)
		}
		s.cfg.SetBlockingEnabled(payload.BlockingEnabled)
		s.respond(w, configPayload{
			MaxConcurrency:  s.cfg.MaxConcurrency(),
			BlockingEnabled: s.cfg.BlockingEnabled(),
		}, nil)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) respond(w http.ResponseWriter, data any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if str, ok := data.(string); ok {
		w.Write([]byte(str))
	} else {
		json.NewEncoder(w).Encode(data)
	}
}
