// Package handler holds the HTTP handlers of the job API. Handlers depend on
// narrow interfaces so they can be tested without a running engine.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cleanwave/pipeline/internal/api/response"
	"github.com/cleanwave/pipeline/internal/catalog"
	"github.com/cleanwave/pipeline/internal/engine"
	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// JobService is the engine surface the job endpoints depend on.
type JobService interface {
	Catalog() *catalog.Catalog
	Submit(ctx context.Context, file models.FileDescriptor) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkEntitled(ctx context.Context, id uuid.UUID) (*models.Job, error)
	AuthorizeDownload(ctx context.Context, id uuid.UUID) (string, error)
}

var _ JobService = (*engine.Engine)(nil)

// maxSubmitBody caps the submit payload, which only describes an uploaded file.
const maxSubmitBody = 64 << 10

type submitRequest struct {
	Locator      string `json:"locator"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		body := http.MaxBytesReader(w, r.Body, maxSubmitBody)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Locator == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "locator is required", nil)
			return
		}

		job, err := svc.Submit(r.Context(), models.FileDescriptor{
			Locator:      req.Locator,
			OriginalName: req.OriginalName,
			MimeType:     req.MimeType,
			Size:         req.Size,
		})
		if err != nil {
			writeEngineError(w, r, err)
			return
		}

		response.Accepted(w, newJobView(job, svc.Catalog()))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		response.JSON(w, newJobView(job, svc.Catalog()))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
// Cancelling a finished job returns it unchanged.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), id)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		response.JSON(w, newJobView(job, svc.Catalog()))
	}
}

// NewEntitlementHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/entitlement. Called by the payment collaborator.
func NewEntitlementHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		job, err := svc.MarkEntitled(r.Context(), id)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		response.JSON(w, newJobView(job, svc.Catalog()))
	}
}

type downloadResponse struct {
	JobID         uuid.UUID `json:"job_id"`
	OutputLocator string    `json:"output_locator"`
}

// NewDownloadHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/download.
// It only authorizes; serving the bytes belongs to the storage layer.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseJobID(w, r)
		if !ok {
			return
		}
		locator, err := svc.AuthorizeDownload(r.Context(), id)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		response.JSON(w, downloadResponse{JobID: id, OutputLocator: locator})
	}
}

type jobView struct {
	ID                      uuid.UUID                 `json:"id"`
	Status                  models.JobStatus          `json:"status"`
	OverallProgress         int                       `json:"overall_progress"`
	CurrentStage            string                    `json:"current_stage,omitempty"`
	CurrentStageDescription string                    `json:"current_stage_description,omitempty"`
	File                    models.FileDescriptor     `json:"file"`
	StageHistory            []models.StageRecord      `json:"stage_history"`
	Results                 map[string]map[string]any `json:"results,omitempty"`
	Languages               []string                  `json:"languages,omitempty"`
	PreviewLocator          string                    `json:"preview_locator,omitempty"`
	OutputLocator           string                    `json:"output_locator,omitempty"`
	IsEntitled              bool                      `json:"is_entitled"`
	CanDownload             bool                      `json:"can_download"`
	Error                   *string                   `json:"error,omitempty"`
	CreatedAt               time.Time                 `json:"created_at"`
	UpdatedAt               time.Time                 `json:"updated_at"`
	CompletedAt             *time.Time                `json:"completed_at,omitempty"`
	ExpiresAt               time.Time                 `json:"expires_at"`
}

// newJobView flattens a job for clients. The output locator is withheld until
// the job may be downloaded.
func newJobView(job *models.Job, cat *catalog.Catalog) jobView {
	v := jobView{
		ID:              job.ID,
		Status:          job.Status,
		OverallProgress: job.OverallProgress,
		File:            job.File,
		StageHistory:    job.StageHistory,
		Results:         job.Results(),
		Languages:       job.Languages(),
		PreviewLocator:  job.PreviewLocator(),
		IsEntitled:      job.IsEntitled,
		CanDownload:     job.CanDownload(),
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
		ExpiresAt:       job.ExpiresAt,
	}
	if v.StageHistory == nil {
		v.StageHistory = []models.StageRecord{}
	}
	if rec, ok := job.RunningRecord(); ok {
		v.CurrentStage = rec.Name
		if def, ok := cat.Lookup(rec.Name); ok {
			v.CurrentStageDescription = def.Description
		}
	}
	if v.CanDownload {
		v.OutputLocator = job.OutputLocator()
	}
	if len(v.Results) == 0 {
		v.Results = nil
	}
	return v
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeEngineError maps engine sentinels to HTTP status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, engine.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, engine.ErrNotReady):
		response.Error(w, http.StatusConflict, "NOT_READY", "Job has not completed processing", nil)
	case errors.Is(err, engine.ErrPaymentRequired):
		response.Error(w, http.StatusPaymentRequired, "PAYMENT_REQUIRED", "Payment is required to download this job", nil)
	default:
		slog.Error("job request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
