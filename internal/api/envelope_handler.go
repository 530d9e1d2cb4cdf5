package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GID    string `json:"gid"`
		Query  string `json:"query"`
		Rating int    `json:"rating"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.GID == "" && req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("feedback needs a gid or a query"))
		return
	}
	block, err := s.session.AppendFeedback(r.Context(), req.GID, req.Query, req.Rating, req.Note)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

func (s *Server) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GID     string    `json:"gid"`
		ModelID string    `json:"model_id"`
		Vector  []float32 `json:"vector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.GID == "" || req.ModelID == "" || len(req.Vector) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("gid, model_id and vector are required"))
		return
	}
	block, err := s.session.AppendEmbedding(r.Context(), req.GID, req.ModelID, req.Vector)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic      string   `json:"topic"`
		Summary    string   `json:"summary"`
		SourceGIDs []string `json:"source_gids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Topic == "" || req.Summary == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("topic and summary are required"))
		return
	}
	block, err := s.session.AppendSummary(r.Context(), req.Topic, req.Summary, req.SourceGIDs)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, block)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.session.EnvelopeActivity(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity": blocks})
}

func (s *Server) handleVerifyEnvelope(w http.ResponseWriter, r *http.Request) {
	content := r.URL.Query().Get("content") == "1"
	breaks, err := s.session.VerifyEnvelope(r.Context(), content)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   len(breaks) == 0,
		"content": content,
		"breaks":  breaks,
	})
}

func (s *Server) handleClearEnvelope(w http.ResponseWriter, r *http.Request) {
	if err := s.session.ClearEnvelope(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
