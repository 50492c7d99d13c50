// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/deskstream/internal/gateway"
	"github.com/user/deskstream/internal/types"
)

// Backend is what the HTTP API serves. *gateway.Gateway implements it.
type Backend interface {
	types.Backend
	types.JobGetter
	Conversations(ctx context.Context) ([]*types.ConversationSummary, error)
	JobEvents(ctx context.Context, id types.JobID, after int64) ([]*types.StreamEvent, error)
	Artifact(ctx context.Context, id types.ArtifactID) (json.RawMessage, error)
}

var _ Backend = (*gateway.Gateway)(nil)

// Server exposes the job backend over HTTP for remote chat clients.
type Server struct {
	backend Backend
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewServer creates a new API Server backed by backend.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		backend: backend,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/conversations/{id}/turns", s.handleSubmitTurn)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("GET /api/conversations/{id}/active-job", s.handleActiveJob)
	s.mux.HandleFunc("GET /api/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.handleJobEvents)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleArtifact)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps backend errors to a status; unexpected ones are logged and
// hidden behind a 500.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, gateway.ErrEmptyTurn):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type turnRequest struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
}

type jobIDResponse struct {
	JobID types.JobID `json:"job_id"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	conv := types.ConversationID(r.PathValue("id"))

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	jobID, err := s.backend.SubmitTurn(r.Context(), conv, types.Turn{Text: req.Text, UserID: req.UserID})
	if err != nil {
		s.fail(w, "submit turn", err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDResponse{JobID: jobID})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	conv := types.ConversationID(r.PathValue("id"))
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0)

	msgs, err := s.backend.FetchMessagesPage(r.Context(), conv, page, pageSize)
	if err != nil {
		s.fail(w, "fetch messages", err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	conv := types.ConversationID(r.PathValue("id"))
	jobID, ok, err := s.backend.FetchActiveJob(r.Context(), conv)
	if err != nil {
		s.fail(w, "fetch active job", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, jobIDResponse{JobID: jobID})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.backend.Conversations(r.Context())
	if err != nil {
		s.fail(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*types.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.backend.GetJob(r.Context(), types.JobID(r.PathValue("id")))
	if err != nil {
		s.fail(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	after := int64(queryInt(r, "after", 0))
	events, err := s.backend.JobEvents(r.Context(), types.JobID(r.PathValue("id")), after)
	if err != nil {
		s.fail(w, "job events", err)
		return
	}
	if events == nil {
		events = []*types.StreamEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := s.backend.Artifact(r.Context(), types.ArtifactID(r.PathValue("id")))
	if err != nil {
		s.fail(w, "get artifact", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func queryInt(r *http.Request, key string, def int) int {
	if q := r.URL.Query().Get(key); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
