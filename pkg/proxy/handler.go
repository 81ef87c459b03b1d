// Package proxy exposes the relay pipeline over HTTP and gRPC.
package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/abdhe/runpod-relay/pkg/jobstore"
	"github.com/abdhe/runpod-relay/pkg/metrics"
	"github.com/abdhe/runpod-relay/pkg/relay"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderJobID     = "X-Job-ID"

	defaultMaxBodyBytes = 1 << 20
)

// Starter starts a relayed job. *relay.Pipeline implements it.
type Starter interface {
	Start(ctx context.Context, requestID string, messages []relay.ChatMessage) (*relay.Stream, relay.JobHandle, error)
}

// JobReader reads the job ledger. *jobstore.RedisStore implements it.
type JobReader interface {
	Get(ctx context.Context, jobID string) (jobstore.Record, bool, error)
}

// Config holds the handler configuration.
type Config struct {
	Pipeline     Starter
	Jobs         JobReader // optional; /jobs answers 503 without it
	MaxBodyBytes int64
}

// Handler serves the chat relay over HTTP and gRPC.
type Handler struct {
	pipeline     Starter
	jobs         JobReader
	maxBodyBytes int64
}

// NewHandler creates a new proxy handler.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		pipeline:     cfg.Pipeline,
		jobs:         cfg.Jobs,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// Routes returns the HTTP routes.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("GET /jobs/{jobID}", h.handleJob)
	return mux
}

type chatRequest struct {
	Messages []relay.ChatMessage `json:"messages"`
}

// errorResponse is the JSON body of every error returned before streaming.
type errorResponse struct {
	Error   any `json:"error"`
	Status  int `json:"status"`
	Details any `json:"details,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)

	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		metrics.RequestsTotal.WithLabelValues("http", "bad_request").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "invalid request body",
			Status:  http.StatusBadRequest,
			Details: err.Error(),
		})
		return
	}

	stream, handle, err := h.pipeline.Start(r.Context(), requestID, req.Messages)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("http", "error").Inc()
		status, body := submissionErrorResponse(err)
		writeJSON(w, status, body)
		return
	}
	defer stream.Detach()
	metrics.RequestsTotal.WithLabelValues("http", "streaming").Inc()

	w.Header().Set(HeaderJobID, handle.JobID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	chunks := stream.Chunks()
	for {
		select {
		case <-r.Context().Done():
			log.Info().Str("request_id", requestID).Str("job_id", handle.JobID).Msg("client disconnected, job continues without a reader")
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if _, err := w.Write([]byte(chunk)); err != nil {
				log.Warn().Err(err).Str("request_id", requestID).Msg("stream write failed")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job ledger is disabled", Status: http.StatusServiceUnavailable})
		return
	}

	jobID := r.PathValue("jobID")
	rec, found, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("job lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "job lookup failed", Status: http.StatusInternalServerError})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found", Status: http.StatusNotFound})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// submissionErrorResponse maps a pre-stream failure to the upstream status
// and body, defaulting to 500.
func submissionErrorResponse(err error) (int, errorResponse) {
	var serr *relay.SubmissionError
	if !errors.As(err, &serr) {
		return http.StatusInternalServerError, errorResponse{Error: err.Error(), Status: http.StatusInternalServerError}
	}

	status := serr.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	resp := errorResponse{Error: serr.Message(), Status: status}
	if serr.Body != "" {
		var details any = serr.Body
		if json.Valid([]byte(serr.Body)) {
			details = json.RawMessage(serr.Body)
		}
		resp.Error = details
		resp.Details = details
	}
	return status, resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("could not encode JSON response")
	}
}
