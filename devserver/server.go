// Package devserver is a local stand-in for the personalization backend.
// It serves the catalog, assignment lookup and visual companion endpoints
// from a YAML fixture so the engine can be exercised end to end without
// the real API.
package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/persona/client"
	"github.com/hazyhaar/persona/variation"
)

// Server serves a Fixture. Safe for concurrent use.
type Server struct {
	mu      sync.RWMutex
	fixture *Fixture
	hits    map[string]int
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server for f (an empty fixture when nil).
func New(f *Fixture, opts ...Option) *Server {
	if f == nil {
		f = &Fixture{Organizations: map[string]Organization{}}
	}
	s := &Server{fixture: f, hits: map[string]int{}, logger: slog.Default()}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Replace swaps the fixture.
func (s *Server) Replace(f *Fixture) {
	s.mu.Lock()
	s.fixture = f
	s.mu.Unlock()
}

// Hits returns how many times the named route was served: "catalog",
// "lookup" or "visual".
func (s *Server) Hits(route string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits[route]
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID(s.logger), cors, headToGet, maxBody(MaxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/personalization/variations", s.handleCatalog)
	r.Get("/api/personalization", s.handleLookup)
	r.Post("/api/flows/{flowID}/visual-companion", s.handleVisual)
	return r
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organizationId")
	if orgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "organizationId is required"})
		return
	}
	s.mu.Lock()
	s.hits["catalog"]++
	org, ok := s.fixture.Organizations[orgID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown organization"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success    bool              `json:"success"`
		Variations variation.Catalog `json:"variations"`
	}{true, org.Variations})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	visitorID, pageURL, orgID := q.Get("visitorId"), q.Get("pageUrl"), q.Get("organizationId")
	if visitorID == "" || pageURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "visitorId and pageUrl are required"})
		return
	}
	s.mu.Lock()
	s.hits["lookup"]++
	a, ok := s.fixture.assignment(visitorID, pageURL, orgID)
	s.mu.Unlock()

	resp := struct {
		Success   bool                 `json:"success"`
		Cached    bool                 `json:"cached"`
		Variation *variation.Variation `json:"variation"`
	}{Success: true}
	if ok {
		resp.Cached = true
		resp.Variation = a.Variation
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVisual(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	var req client.VisualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	s.mu.Lock()
	s.hits["visual"]++
	v, ok := s.fixture.visual(flowID)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no visual for flow"})
		return
	}
	s.logger.Debug("devserver: visual", "flow_id", flowID, "turn", req.TurnNumber)
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
