package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/id"
	"github.com/dunamismax/pixelscrub/internal/queue"
	"github.com/dunamismax/pixelscrub/internal/storage"
	"github.com/hibiken/asynq"
)

type jobView struct {
	ID         string               `json:"job_id"`
	Status     string               `json:"status"`
	Name       string               `json:"name"`
	MediaType  string               `json:"media_type"`
	Config     domain.Configuration `json:"config"`
	ObjectKey  string               `json:"object_key"`
	OutputKey  string               `json:"output_key,omitempty"`
	WebhookURL string               `json:"webhook_url,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func newJobView(job domain.Job) jobView {
	return jobView{
		ID:         job.ID,
		Status:     job.Status,
		Name:       job.Name,
		MediaType:  job.MediaType,
		Config:     job.Config,
		ObjectKey:  job.ObjectKey,
		OutputKey:  job.OutputKey,
		WebhookURL: job.WebhookURL,
		Error:      job.Error,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func (s *Server) batchEnabled(w http.ResponseWriter) bool {
	if s.queueClient == nil || s.jobStore == nil {
		writeError(w, http.StatusServiceUnavailable, "batch jobs are disabled")
		return false
	}
	return true
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.batchEnabled(w) {
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}

	// Fields the request leaves out follow the live session settings.
	snap, err := s.session.Snapshot(r.Context())
	if err != nil {
		writeError(w, statusFor(err, http.StatusInternalServerError), err.Error())
		return
	}
	cfg, err := req.Configuration(snap.Config)
	if err != nil {
		writeError(w, statusFor(err, http.StatusBadRequest), err.Error())
		return
	}
	mediaType, _ := domain.ParseMediaType(req.MediaType)

	now := time.Now().UTC()
	jobID := id.New("job")
	objectKey := storage.SourceKey(jobID)
	url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		s.logger.Printf("generate presigned url failed for job %s: %v", jobID, err)
		writeError(w, statusFor(err, http.StatusInternalServerError), "failed to generate upload URL")
		return
	}

	job := domain.Job{
		ID:         jobID,
		Status:     domain.JobStatusCreated,
		Name:       req.Name,
		MediaType:  string(mediaType),
		WebhookURL: req.WebhookURL,
		Config:     cfg,
		ObjectKey:  objectKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed for job %s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"config": job.Config,
		"upload": map[string]string{
			"object_key":        job.ObjectKey,
			"presigned_put_url": url,
			"expires_at":        now.Add(s.presignTTL).Format(time.RFC3339),
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.batchEnabled(w) {
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if !s.batchEnabled(w) {
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, statusFor(err, http.StatusConflict), err.Error())
		return
	}

	payload := queue.ScrubImagePayload{
		JobID:       job.ID,
		Name:        job.Name,
		MediaType:   job.MediaType,
		ObjectKey:   job.ObjectKey,
		WebhookURL:  job.WebhookURL,
		Config:      job.Config,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueScrubImage(r.Context(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		writeError(w, http.StatusConflict, "job is already queued")
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed for job %s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed for job %s: %v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed for job %s: %v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
	if err != nil {
		return fmt.Errorf("source object check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source object is missing: %s", job.ObjectKey)
	}
	return nil
}
