package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/memglyph/glyphcase/internal/common"
	"github.com/memglyph/glyphcase/internal/reasoner"
	"github.com/memglyph/glyphcase/internal/session"
)

type Server struct {
	router   chi.Router
	session  *session.Session
	reasoner *reasoner.Reasoner
}

func NewServer(sess *session.Session, provider reasoner.Provider) (*Server, error) {
	if sess == nil {
		return nil, fmt.Errorf("session required")
	}
	s := &Server{
		router:   chi.NewRouter(),
		session:  sess,
		reasoner: reasoner.New(sess, provider),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	logger := common.Logger()
	logger.Info("api: configuring routes")
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Post("/v1/capsule/open", s.handleOpen)
	s.router.Post("/v1/capsule/open-bytes", s.handleOpenBytes)
	s.router.Post("/v1/capsule/close", s.handleClose)
	s.router.Get("/v1/capsule", s.handleInfo)
	s.router.Get("/v1/capsule/export", s.handleExport)
	s.router.Get("/v1/capsule/merge", s.handleMerge)
	s.router.Post("/v1/capsule/extract", s.handleExtract)

	s.router.Get("/v1/search", s.handleSearch)
	s.router.Get("/v1/page", s.handlePage)
	s.router.Get("/v1/entities", s.handleEntities)
	s.router.Get("/v1/entities/facets", s.handleEntityFacets)
	s.router.Get("/v1/graph", s.handleGraph)
	s.router.Get("/v1/verify", s.handleVerifyPage)
	s.router.Get("/v1/checkpoints", s.handleCheckpoints)
	s.router.Post("/v1/query", s.handleQuery)
	s.router.Post("/v1/ask", s.handleAsk)

	s.router.Post("/v1/envelope/feedback", s.handleFeedback)
	s.router.Post("/v1/envelope/embedding", s.handleEmbedding)
	s.router.Post("/v1/envelope/summary", s.handleSummary)
	s.router.Get("/v1/envelope/activity", s.handleActivity)
	s.router.Get("/v1/envelope/verify", s.handleVerifyEnvelope)
	s.router.Post("/v1/envelope/clear", s.handleClearEnvelope)

	s.router.Get("/v1/logs", s.handleLogs)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": common.LogEntries()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
