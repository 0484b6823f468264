package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/filesentry/agent/internal/daemon"
	"github.com/filesentry/agent/internal/history"
)

// maxChangeLimit caps the page size on /api/v1/changes.
const maxChangeLimit = 1000

// Server holds the dependencies for the REST handlers. archive may be nil
// when no PostgreSQL history is configured.
type Server struct {
	mon     Monitor
	journal Journal
	archive Archive
}

// NewServer creates a Server. archive may be nil.
func NewServer(mon Monitor, journal Journal, archive Archive) *Server {
	return &Server{mon: mon, journal: journal, archive: archive}
}

// handleHealthz responds to GET /healthz with the daemon health snapshot.
// No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mon.Health())
}

// handleGetTargets responds to GET /api/v1/targets with the status of every
// configured watch target.
func (s *Server) handleGetTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.mon.Targets()
	if targets == nil {
		targets = []daemon.TargetStatus{}
	}
	writeJSON(w, targets)
}

// handleGetChanges responds to GET /api/v1/changes.
//
// Without a time window the local journal is served, newest first:
//
//	limit  – maximum number of results (default 100, max 1000)
//	offset – pagination offset (default 0)
//
// With both 'from' and 'to' (RFC3339) the query goes to the PostgreSQL
// archive instead, with an optional exact-match 'target' filter. A windowed
// query on an agent with no archive configured returns HTTP 400.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 100
	if limitStr := q.Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if n > maxChangeLimit {
			n = maxChangeLimit
		}
		limit = n
	}

	offset := 0
	if offsetStr := q.Get("offset"); offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		offset = n
	}

	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" && toStr == "" {
		events, err := s.journal.Recent(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read change log")
			return
		}
		if events == nil {
			events = []daemon.ChangeEvent{}
		}
		writeJSON(w, events)
		return
	}

	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "'from' and 'to' must be provided together (RFC3339)")
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusBadRequest, "time-window queries require a configured history archive")
		return
	}

	events, err := s.archive.QueryChanges(r.Context(), history.ChangeQuery{
		From:   from,
		To:     to,
		Target: q.Get("target"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query change history")
		return
	}
	if events == nil {
		events = []daemon.ChangeEvent{}
	}
	writeJSON(w, events)
}

// writeJSON writes v as an HTTP 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
