package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/EduardoVieiraCardoso/greenbone-distributed/database"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/debug"
	"github.com/EduardoVieiraCardoso/greenbone-distributed/scheduler"
)

// DebugQueryProvider executes an already-validated read-only SQL query.
type DebugQueryProvider interface {
	ExecuteReadOnlyQuery(query string) (*database.QueryResult, error)
}

var _ DebugQueryProvider = (*database.DB)(nil)

// DebugQueryHandler handles POST /api/debug/query: a single SELECT against
// the store, validated before execution. Development aid only; the route is
// not registered unless debug mode is on.
func DebugQueryHandler(provider DebugQueryProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		if request.Query == "" {
			writeDetail(w, http.StatusBadRequest, "Query is required")
			return
		}

		valid, err := debug.IsSelectQuery(request.Query)
		if !valid {
			log.Warn().Err(err).Msg("Debug query rejected")
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid query: %v", err))
			return
		}

		result, err := provider.ExecuteReadOnlyQuery(request.Query)
		if err != nil {
			log.Error().Err(err).Msg("Debug query failed")
			writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Query execution failed: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"columns":   result.Columns,
			"rows":      result.Rows,
			"row_count": len(result.Rows),
		})
	}
}

// JobRunner triggers a scheduled job outside its interval.
type JobRunner interface {
	RunJobNow(name string) error
}

var _ JobRunner = (*scheduler.Scheduler)(nil)

// RunJobHandler handles POST /api/jobs/{name}/run.
func RunJobHandler(runner JobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")

		if err := runner.RunJobNow(name); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}

		log.Info().Str("job", name).Msg("Job triggered via API")
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "triggered",
			"job":    name,
		})
	}
}

// RegisterDebugHandlers mounts the debug routes. No-op unless enabled, so a
// production config carries zero debug surface.
func RegisterDebugHandlers(mux *http.ServeMux, enabled bool, provider DebugQueryProvider, runner JobRunner) {
	if !enabled {
		return
	}

	mux.HandleFunc("POST /api/debug/query", DebugQueryHandler(provider))
	mux.HandleFunc("POST /api/jobs/{name}/run", RunJobHandler(runner))
	log.Info().Msg("Debug handlers registered")
}
