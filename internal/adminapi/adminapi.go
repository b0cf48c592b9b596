// Package adminapi is a thin net/http surface over the Conflict Store and
// Resolution Engine: list/detail conflicts, resolve them, and trigger
// manual migrations. It performs no authentication of its own; an
// AdminIdentity is expected to already be resolved by upstream middleware
// (out of scope for this module).
//
// Grounded on original_source's main.py conflicts/sync routes, adapted to
// net/http + encoding/json in the style of the teacher's internal admin
// surfaces (plain handler functions registered on a ServeMux, JSON in and
// out, no web framework).
package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dbmesh/replifabric/internal/conflictstore"
	"github.com/dbmesh/replifabric/internal/dialect"
	"github.com/dbmesh/replifabric/internal/model"
	"github.com/dbmesh/replifabric/internal/obs/logging"
	"github.com/dbmesh/replifabric/internal/resolution"
	"github.com/dbmesh/replifabric/internal/synerr"
)

var log = logging.For("adminapi")

// AdminIdentity is the caller identity a resolve/migrate request is
// attributed to. The HTTP-layer authentication that would populate this
// from a session or bearer token is an external concern; handlers here
// accept it as a parameter and fall back to "admin" when none is
// supplied, matching original_source's user["sub"] usage without
// reimplementing session auth.
type AdminIdentity struct {
	Subject string
}

func (a AdminIdentity) subjectOrDefault() string {
	if a.Subject == "" {
		return "admin"
	}
	return a.Subject
}

// Server holds the handlers' dependencies. It is not itself an
// http.Handler: its Routes method registers the handlers on a ServeMux.
type Server struct {
	store    *conflictstore.Store
	engine   *resolution.Engine
	identity func(*http.Request) AdminIdentity
}

// New returns a Server. identityFn extracts the caller identity from a
// request; pass nil to always fall back to the default ("admin").
func New(store *conflictstore.Store, engine *resolution.Engine, identityFn func(*http.Request) AdminIdentity) *Server {
	if identityFn == nil {
		identityFn = func(*http.Request) AdminIdentity { return AdminIdentity{} }
	}
	return &Server{store: store, engine: engine, identity: identityFn}
}

// Routes registers every handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /conflicts", s.handleListConflicts)
	mux.HandleFunc("GET /conflicts/{id}", s.handleConflictDetail)
	mux.HandleFunc("POST /conflicts/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /conflicts/{id}/resolve/custom", s.handleResolveCustom)
	mux.HandleFunc("POST /migrate/table", s.handleMigrateTable)
	mux.HandleFunc("POST /migrate/database", s.handleMigrateDatabase)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := model.ConflictOpen
	if v := r.URL.Query().Get("status"); v != "" {
		status = model.ConflictStatus(strings.ToUpper(v))
	}

	conflicts, err := s.store.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleConflictDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conflict, found, err := s.store.Detail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, synerr.NewAdminInputErrorf("conflict %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	winner := dialect.Tag(strings.ToUpper(r.URL.Query().Get("winner")))
	if _, ok := dialect.For(winner); !ok {
		writeError(w, synerr.NewAdminInputErrorf("winner %q is not a known backend tag", winner))
		return
	}

	identity := s.identity(r).subjectOrDefault()
	if err := s.engine.ResolveWinner(r.Context(), id, winner, identity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "conflict_id": id})
}

func (s *Server) handleResolveCustom(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var overrides map[string]any
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		writeError(w, synerr.NewAdminInputErrorf("invalid JSON body: %s", err.Error()))
		return
	}

	identity := s.identity(r).subjectOrDefault()
	if err := s.engine.ResolveCustom(r.Context(), id, overrides, identity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "conflict_id": id})
}

func (s *Server) handleMigrateTable(w http.ResponseWriter, r *http.Request) {
	source := dialect.Tag(strings.ToUpper(r.URL.Query().Get("source")))
	table := r.URL.Query().Get("table")
	targets, err := parseTargets(r.URL.Query().Get("target"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.engine.MigrateTable(r.Context(), source, table, targets); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "migrated", "table": table})
}

func (s *Server) handleMigrateDatabase(w http.ResponseWriter, r *http.Request) {
	source := dialect.Tag(strings.ToUpper(r.URL.Query().Get("source")))
	targets, err := parseTargets(r.URL.Query().Get("target"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.engine.MigrateDatabase(r.Context(), source, targets); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "migrated"})
}

func parseTargets(raw string) ([]dialect.Tag, error) {
	if raw == "" || strings.EqualFold(raw, "all") {
		return dialect.CanonicalTags, nil
	}
	tag := dialect.Tag(strings.ToUpper(raw))
	if _, ok := dialect.For(tag); !ok {
		return nil, synerr.NewAdminInputErrorf("target %q is not a known backend tag", raw)
	}
	return []dialect.Tag{tag}, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, synerr.NewAdminInputErrorf("invalid conflict id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("encoding response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if _, ok := synerr.IsAdminInputError(err); ok {
		status = http.StatusBadRequest
	}
	if _, ok := synerr.IsSchemaMismatch(err); ok {
		status = http.StatusBadRequest
	}
	log.WithError(err).Warn("admin api request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
