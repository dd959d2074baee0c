package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/gencoord/internal/api/middleware"
	"github.com/kiranshivaraju/gencoord/internal/api/response"
	"github.com/kiranshivaraju/gencoord/internal/cache"
	"github.com/kiranshivaraju/gencoord/internal/coordinator"
	"github.com/kiranshivaraju/gencoord/pkg/models"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxSubmitBody    = 1 << 20
)

// JobService is what the job handlers need from the coordinator.
type JobService interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (*coordinator.SubmitResult, error)
	GetJob(ctx context.Context, userID, jobID uuid.UUID) (*models.GenerationJob, error)
	ListJobs(ctx context.Context, userID uuid.UUID, toolID string, limit int) ([]*models.GenerationJob, error)
	JobStatus(ctx context.Context, userID, jobID uuid.UUID) (cache.JobStatusEntry, error)
	LookupSession(id, userID uuid.UUID) (*coordinator.Session, bool)
}

type submitJobRequest struct {
	ToolID    string          `json:"tool_id"`
	Provider  string          `json:"provider"`
	Input     json.RawMessage `json:"input"`
	SessionID string          `json:"session_id"`
}

type submitJobResponse struct {
	JobID            uuid.UUID        `json:"job_id"`
	ToolID           string           `json:"tool_id"`
	Provider         string           `json:"provider"`
	Status           models.JobStatus `json:"status"`
	EstimatedCredits int64            `json:"estimated_credits"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// A session_id of a live stream routes the submission through that session
// so its poller is armed straight away.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}

		var req submitJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.ToolID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tool_id is required", nil)
			return
		}

		submit := coordinator.SubmitRequest{
			UserID:   userID,
			ToolID:   req.ToolID,
			Provider: req.Provider,
			Input:    req.Input,
		}

		var (
			res *coordinator.SubmitResult
			err error
		)
		if req.SessionID != "" {
			sessionID, perr := uuid.Parse(req.SessionID)
			if perr != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "session_id must be a valid UUID", nil)
				return
			}
			session, found := svc.LookupSession(sessionID, userID)
			if !found {
				response.Error(w, http.StatusNotFound, "SESSION_NOT_FOUND", "No open session with that id", nil)
				return
			}
			res, err = session.Submit(r.Context(), submit)
		} else {
			res, err = svc.Submit(r.Context(), submit)
		}
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}

		response.Accepted(w, submitJobResponse{
			JobID:            res.Job.ID,
			ToolID:           res.Job.ToolID,
			Provider:         res.Job.Provider,
			Status:           res.Job.Status,
			EstimatedCredits: res.EstimatedCredits,
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}
		job, err := svc.GetJob(r.Context(), userID, jobID)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, jobID, ok := jobParams(w, r)
		if !ok {
			return
		}
		entry, err := svc.JobStatus(r.Context(), userID, jobID)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id":   jobID,
			"status":   entry.Status,
			"progress": entry.Progress,
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Unauthorized(w, "Missing user")
			return
		}
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}

		jobs, err := svc.ListJobs(r.Context(), userID, r.URL.Query().Get("tool_id"), limit)
		if err != nil {
			writeCoordinatorError(w, r, err)
			return
		}
		response.List(w, jobs, limit)
	}
}

func jobParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Unauthorized(w, "Missing user")
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, jobID, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
