// Package server exposes research runs over HTTP: one POST endpoint that
// answers a question, plus a health check. No streaming; the response is
// the finished answer.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"deepresearch/internal/controller"
	"deepresearch/internal/logging"
)

// ResearchFunc runs one full research session for a question. Each request
// gets its own session state.
type ResearchFunc func(ctx context.Context, question string) (*controller.RunResult, error)

// Server is the HTTP front end.
type Server struct {
	research ResearchFunc
	logger   *zap.Logger
	httpSrv  *http.Server
}

// New creates a server on addr.
func New(addr string, research ResearchFunc, logger *zap.Logger) *Server {
	s := &Server{research: research, logger: logger}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/research", s.handleResearch)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.httpSrv.Addr))
	logging.API("listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type researchRequest struct {
	Question string `json:"question"`
}

type researchResponse struct {
	Answer       string `json:"answer"`
	Question     string `json:"question"`
	MessageCount int    `json:"message_count"`
	FilesCreated int    `json:"files_created"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Detail: err.Error()})
		return
	}
	if req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question is required"})
		return
	}

	start := time.Now()
	s.logger.Info("research request", zap.String("question", req.Question))
	logging.API("research: %q", req.Question)

	res, err := s.research(r.Context(), req.Question)
	if err != nil {
		s.logger.Error("research failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "research failed", Detail: err.Error()})
		return
	}

	s.logger.Info("research done",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("steps", res.Steps),
		zap.Int("files", res.FilesCreated),
		zap.Bool("ceiling_reached", res.CeilingReached))

	writeJSON(w, http.StatusOK, researchResponse{
		Answer:       res.Answer,
		Question:     res.Question,
		MessageCount: res.MessageCount,
		FilesCreated: res.FilesCreated,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
