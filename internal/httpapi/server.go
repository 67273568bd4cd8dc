// Package httpapi exposes the job pipeline over HTTP: job submission and
// inspection, progress streaming and operational endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/communiday/eventcore-go/internal/metrics"
	"github.com/communiday/eventcore-go/internal/progress"
	"github.com/communiday/eventcore-go/internal/queue"
)

// Server routes API requests to the queue and the progress bridge.
type Server struct {
	queue   *queue.Queue
	bridge  *progress.Bridge
	ws      http.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New builds the HTTP API. ws may be nil when no realtime hub is attached.
func New(q *queue.Queue, bridge *progress.Bridge, ws http.Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queue:   q,
		bridge:  bridge,
		ws:      ws,
		metrics: m,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /jobs/{id}/progress", s.handleGetProgress)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("POST /blobs", s.handleUploadBlob)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.ws != nil {
		s.mux.Handle("/ws", s.ws)
	}
}

func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger)(s.mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// enqueueRequest is the POST /jobs body.
type enqueueRequest struct {
	Type    queue.JobType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	id, err := s.queue.Enqueue(r.Context(), req.Type, payload)
	if err != nil {
		s.logger.Error("enqueue failed", "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	jobs, err := s.bridge.GetOwnerJobsWithProgress(r.Context(), ownerID, 50)
	if err != nil {
		s.logger.Error("list jobs failed", "owner_id", ownerID, "error", err)
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if jobs == nil {
		jobs = []progress.JobWithProgress{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pc, err := s.bridge.GetContext(r.Context(), id)
	if err != nil {
		s.logger.Error("get progress failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "get progress failed")
		return
	}
	if pc == nil {
		writeError(w, http.StatusNotFound, "no progress recorded for job")
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

// maxBlobSize caps uploaded flyer images.
const maxBlobSize = 10 << 20

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	if len(data) > maxBlobSize {
		writeError(w, http.StatusRequestEntityTooLarge, "blob too large")
		return
	}

	key, err := s.queue.StageBlob(r.Context(), data)
	if err != nil {
		s.logger.Error("store blob failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store blob failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"blob_key": key})
}

// clientCounter is satisfied by the realtime hub.
type clientCounter interface {
	ClientCount() int
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.PendingLen(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}

	clients := 0
	if counter, ok := s.ws.(clientCounter); ok {
		clients = counter.ClientCount()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending_jobs":     pending,
		"realtime_clients": clients,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
