// Package api provides the HTTP boundary for the video generation
// pipeline: job submission and queries, the SSE progress stream, video
// downloads and storage stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer/pkg/dispatcher"
	"github.com/Asdafers/contenitzer/pkg/progress"
	"github.com/Asdafers/contenitzer/pkg/schemas"
	"github.com/Asdafers/contenitzer/pkg/storage"
	"github.com/Asdafers/contenitzer/pkg/store"
)

// Defaults applied to submissions that omit optional fields.
const (
	defaultResolution      = "1920x1080"
	defaultDurationSeconds = 60
	defaultListLimit       = 50
	maxListLimit           = 200
)

// JobService is the dispatcher surface the API depends on: submission
// and cooperative cancellation. Queries go straight to the store.
type JobService interface {
	Submit(ctx context.Context, req *schemas.JobRequest) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Server holds the API server dependencies.
type Server struct {
	store   store.Store
	media   *storage.Manager
	jobs    JobService
	events  *progress.Publisher
	origins []string
	log     zerolog.Logger
}

// NewServer creates an API server. origins configures CORS; an empty
// list disables cross-origin access.
func NewServer(st store.Store, media *storage.Manager, jobs JobService, events *progress.Publisher, origins []string, log zerolog.Logger) *Server {
	return &Server{
		store:   st,
		media:   media,
		jobs:    jobs,
		events:  events,
		origins: origins,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the handler tree with the middleware chain applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(s.log))
	r.Use(Recovery(s.log))
	r.Use(CORS(s.origins))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleCancelJob)
			r.Get("/{id}/events", s.handleJobEvents)
		})
		r.Get("/videos/{id}", s.handleDownloadVideo)
		r.Get("/storage/stats", s.handleStorageStats)
	})

	return r
}

// CreateJobResponse is the body returned for an accepted submission.
type CreateJobResponse struct {
	JobID  string           `json:"job_id"`
	Status schemas.JobState `json:"status"`
}

// ErrorResponse is the body returned for every error status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// handleCreateJob handles POST /api/v1/jobs.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req schemas.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	applyDefaults(&req)

	jobID, err := s.jobs.Submit(r.Context(), &req)
	var verr *dispatcher.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendError(w, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, dispatcher.ErrQueueFull):
		s.sendError(w, http.StatusServiceUnavailable, "queue_full", "Job queue is full, retry later")
	case errors.Is(err, dispatcher.ErrStopped):
		s.sendError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down")
	case err != nil:
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to create job: %v", err))
	default:
		s.sendJSON(w, http.StatusCreated, CreateJobResponse{JobID: jobID, Status: schemas.JobStatePending})
	}
}

// applyDefaults fills the optional submission fields. Validation of the
// result belongs to the dispatcher.
func applyDefaults(req *schemas.JobRequest) {
	if req.Resolution == "" {
		req.Resolution = defaultResolution
	}
	if req.Quality == "" {
		req.Quality = schemas.QualityStandard
	}
	if req.DurationSeconds == 0 {
		req.DurationSeconds = defaultDurationSeconds
	}
}

// handleGetJob handles GET /api/v1/jobs/{id}. With ?include=assets the
// response embeds the job's generated assets; a completed job always
// carries its video record.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx := r.Context()

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.sendError(w, http.StatusNotFound, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to get job: %v", err))
		return
	}

	status := job.ToJobStatus()

	if includes(r, "assets") {
		assets, err := s.store.ListAssets(ctx, jobID)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to list assets: %v", err))
			return
		}
		status.Assets = assets
	}

	if job.Status == schemas.JobStateCompleted {
		video, err := s.store.VideoForJob(ctx, jobID)
		if err != nil && !errors.Is(err, store.ErrVideoNotFound) {
			s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to get video: %v", err))
			return
		}
		status.Video = video
	}

	s.sendJSON(w, http.StatusOK, status)
}

func includes(r *http.Request, name string) bool {
	for _, inc := range strings.Split(r.URL.Query().Get("include"), ",") {
		if strings.TrimSpace(inc) == name {
			return true
		}
	}
	return false
}

// handleListJobs handles GET /api/v1/jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to list jobs: %v", err))
		return
	}

	statuses := make([]*schemas.JobStatus, len(jobs))
	for i, job := range jobs {
		statuses[i] = job.ToJobStatus()
	}
	s.sendJSON(w, http.StatusOK, statuses)
}

// handleCancelJob handles DELETE /api/v1/jobs/{id}. Cancellation is
// cooperative: the request marks the job and returns 202 while the
// worker winds the job down at its next stage boundary.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx := r.Context()

	err := s.jobs.Cancel(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		s.sendError(w, http.StatusNotFound, "job_not_found", fmt.Sprintf("Job %s not found", jobID))
		return
	case errors.Is(err, store.ErrTerminal):
		s.sendError(w, http.StatusConflict, "job_terminal", "Job is already in a terminal state")
		return
	case err != nil:
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to cancel job: %v", err))
		return
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to get job: %v", err))
		return
	}
	s.sendJSON(w, http.StatusAccepted, job.ToJobStatus())
}

// handleDownloadVideo handles GET /api/v1/videos/{id}. ServeContent
// gives range requests for free, so players can seek.
func (s *Server) handleDownloadVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")

	video, err := s.store.GetVideo(r.Context(), videoID)
	if errors.Is(err, store.ErrVideoNotFound) {
		s.sendError(w, http.StatusNotFound, "video_not_found", fmt.Sprintf("Video %s not found", videoID))
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "store_error", fmt.Sprintf("Failed to get video: %v", err))
		return
	}

	f, err := os.Open(video.FilePath)
	if os.IsNotExist(err) {
		// The record outlives the file when retention evicts it.
		s.sendError(w, http.StatusGone, "video_evicted", fmt.Sprintf("Video %s is no longer on disk", videoID))
		return
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "storage_error", fmt.Sprintf("Failed to open video: %v", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "video/"+video.Format)
	http.ServeContent(w, r, videoID+"."+video.Format, video.CreatedAt, f)
}

// handleStorageStats handles GET /api/v1/storage/stats.
func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	records, err := s.media.Stats()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "storage_error", fmt.Sprintf("Failed to read storage stats: %v", err))
		return
	}
	s.sendJSON(w, http.StatusOK, records)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// Helper methods

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}

func parseListFilter(r *http.Request) (*store.ListFilter, error) {
	q := r.URL.Query()
	filter := &store.ListFilter{Limit: defaultListLimit}

	if statusStr := q.Get("status"); statusStr != "" {
		for _, part := range strings.Split(statusStr, ",") {
			state := schemas.JobState(strings.ToUpper(strings.TrimSpace(part)))
			if !state.Valid() {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			filter.Status = append(filter.Status, state)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("invalid limit %q", limitStr)
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid offset %q", offsetStr)
		}
		filter.Offset = offset
	}

	return filter, nil
}
