package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/session"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	logger := common.Logger()
	query := r.URL.Query().Get("q")
	if query == "" {
		logger.Warn("api: search missing query parameter")
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing q parameter"))
		return
	}
	limit := queryInt(r, "limit", 10)
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "hybrid"
	}
	filter := entityFilterFrom(r)
	logger.Info("api: search request", "query", query, "mode", mode, "limit", limit)

	switch mode {
	case "fts":
		hits, err := s.session.SearchFTS(r.Context(), query, limit, filter)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": mode, "results": hits})
	case "vector":
		matches, err := s.session.SearchVector(r.Context(), query, limit)
		if err != nil {
			if err == session.ErrNoVectors {
				writeError(w, http.StatusUnprocessableEntity, err)
				return
			}
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": mode, "results": matches})
	case "hybrid":
		results, err := s.session.SearchHybrid(r.Context(), query, limit, weightOverridesFrom(r), filter)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": mode, "results": results})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", mode))
	}
}

// entityFilterFrom reads the optional entity restriction parameters.
func entityFilterFrom(r *http.Request) *capsule.EntityFilter {
	entityType := r.URL.Query().Get("entity_type")
	entityValue := r.URL.Query().Get("entity_value")
	if entityType == "" && entityValue == "" {
		return nil
	}
	return &capsule.EntityFilter{Type: entityType, Value: entityValue}
}

// weightOverridesFrom reads per-request fusion weights (w_fts, w_vector,
// w_entity, w_graph).
func weightOverridesFrom(r *http.Request) map[string]float64 {
	overrides := make(map[string]float64)
	for _, name := range []string{"fts", "vector", "entity", "graph"} {
		raw := r.URL.Query().Get("w_" + name)
		if raw == "" {
			continue
		}
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			overrides[name] = parsed
		}
	}
	if len(overrides) == 0 {
		return nil
	}
	return overrides
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	gid := r.URL.Query().Get("gid")
	if gid == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing gid parameter"))
		return
	}
	result, err := s.session.GraphHops(r.Context(), gid,
		r.URL.Query().Get("pred"), queryInt(r, "hops", 0), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing question"))
		return
	}
	answer, err := s.reasoner.Ask(r.Context(), req.Question)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}
