package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/memglyph/glyphcase/internal/capsule"
	"github.com/memglyph/glyphcase/internal/queue"
)

// statusFor maps the well-known operational errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capsule.ErrNoCapsule):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrTaskTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, queue.ErrQueueCleared), errors.Is(err, queue.ErrQueueClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing path"))
		return
	}
	if err := s.session.Open(r.Context(), req.Path); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.handleInfo(w, r)
}

func (s *Server) handleOpenBytes(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read capsule body: %w", err))
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty capsule body"))
		return
	}
	if err := s.session.OpenBytes(r.Context(), data); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.handleInfo(w, r)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Close(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.session.Info(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.session.ExportCore(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	serveSQLite(w, "core.sqlite", data)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	data, err := s.session.Merge(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	serveSQLite(w, "merged.sqlite", data)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	merged, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read merged body: %w", err))
		return
	}
	if len(merged) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty merged body"))
		return
	}
	core, err := s.session.Extract(r.Context(), merged)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	serveSQLite(w, "core.sqlite", core)
}

func serveSQLite(w http.ResponseWriter, name string, data []byte) {
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	gid := r.URL.Query().Get("gid")
	if gid == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing gid parameter"))
		return
	}
	page, err := s.session.Page(r.Context(), gid)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	gid := r.URL.Query().Get("gid")
	if gid == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing gid parameter"))
		return
	}
	entities, err := s.session.Entities(r.Context(), gid)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"gid": gid, "entities": entities})
}

func (s *Server) handleEntityFacets(w http.ResponseWriter, r *http.Request) {
	facets, err := s.session.EntityFacets(r.Context(), r.URL.Query().Get("type"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facets": facets})
}

func (s *Server) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	gid := r.URL.Query().Get("gid")
	if gid == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing gid parameter"))
		return
	}
	verification, err := s.session.VerifyPage(r.Context(), gid)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.session.Checkpoints(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoints": checkpoints})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SQL   string        `json:"sql"`
		Args  []interface{} `json:"args"`
		Limit int           `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.SQL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing sql"))
		return
	}
	rows, err := s.session.Query(r.Context(), req.SQL, req.Args, req.Limit)
	if err != nil {
		if errors.Is(err, capsule.ErrNoCapsule) {
			writeError(w, http.StatusConflict, err)
		} else {
			writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows, "count": len(rows)})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
