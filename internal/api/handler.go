package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/qcluster/internal/pipeline"
	"github.com/kalambet/qcluster/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Pipeline is the part of the orchestrator the API exposes.
type Pipeline interface {
	ProcessMessage(ctx context.Context, sess *pipeline.Session, msg pipeline.Message) pipeline.Result
	DisplayClusters(ctx context.Context) (pipeline.ClusterReport, error)
	ClearAll(ctx context.Context) (int, error)
}

// JobQueue backs asynchronous message intake.
type JobQueue interface {
	pipeline.JobStore
	GetJob(id string) (*storage.Job, error)
}

// Deps holds dependencies for the HTTP API.
type Deps struct {
	Pipeline Pipeline
	Sessions *pipeline.SessionRegistry
	Jobs     JobQueue // optional; without it async intake returns 501
	Token    string
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/messages", handleProcessMessage(deps))
		r.Get("/clusters", handleListClusters(deps))
		r.Delete("/clusters", handleClearClusters(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleProcessMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var msg pipeline.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if msg.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			if deps.Jobs == nil {
				httpError(w, http.StatusNotImplemented, "api_error", "async processing is not enabled")
				return
			}
			id, err := pipeline.Enqueue(deps.Jobs, msg)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue message: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
			return
		}

		res := deps.Pipeline.ProcessMessage(r.Context(), deps.Sessions.Get(msg.ChatID), msg)
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListClusters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Pipeline.DisplayClusters(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "store_error", "failed to list clusters: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleClearClusters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Pipeline.ClearAll(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "store_error", "failed to clear clusters: %v", err)
			return
		}
		deps.Sessions.Reset()
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "deleted": n})
	}
}

type jobResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Jobs == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "async processing is not enabled")
			return
		}
		job, err := deps.Jobs.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		resp := jobResponse{ID: job.ID, Status: job.Status, Attempts: job.Attempts, LastError: job.LastError}
		if job.ResultJSON != "" {
			resp.Result = json.RawMessage(job.ResultJSON)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
