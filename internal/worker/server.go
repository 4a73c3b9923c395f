package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/pixelscrub/internal/config"
	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/pipeline"
	"github.com/dunamismax/pixelscrub/internal/queue"
	"github.com/dunamismax/pixelscrub/internal/storage"
	"github.com/dunamismax/pixelscrub/internal/store"
	"github.com/dunamismax/pixelscrub/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const outputPrefix = "outputs"

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     jobProcessor
	webhookClient jobNotifier
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
}

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type jobNotifier interface {
	SendJobEvent(ctx context.Context, endpoint string, evt webhook.JobEvent) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	storageClient *storage.Client,
	ingester pipeline.Ingester,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
) (*Server, error) {
	if storageClient == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}

	processor := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: storageClient},
		ingester,
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: outputPrefix},
	)

	var notifier jobNotifier
	if webhookClient != nil {
		notifier = webhookClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor:     processor,
		webhookClient: notifier,
		jobStore:      jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelscrub/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeScrubImage, s.handleScrubImage)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleScrubImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "retrying"

	payload, err := queue.ParseScrubImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.scrub_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.media_type", payload.MediaType),
		attribute.Int("job.color_quantization", payload.Config.ColorQuantization),
		attribute.Int("job.pixel_swap_strength", payload.Config.PixelSwapStrength),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"scrubbing job_id=%s name=%s media_type=%s object_key=%s color_quantization=%d pixel_swap_strength=%d",
		payload.JobID,
		payload.Name,
		payload.MediaType,
		payload.ObjectKey,
		payload.Config.ColorQuantization,
		payload.Config.PixelSwapStrength,
	)
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processor.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		SourceType: pipeline.SourceTypeObjectStore,
		Name:       payload.Name,
		MediaType:  payload.MediaType,
		ObjectKey:  payload.ObjectKey,
		Config:     payload.Config,
		Seed:       payload.Seed,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scrub failed")

		permanent := isPermanent(err)
		if !permanent && !finalAttempt(ctx) {
			s.logger.Printf("scrub attempt failed job_id=%s err=%v", payload.JobID, err)
			return fmt.Errorf("scrub job %s: %w", payload.JobID, err)
		}

		outcome = domain.JobStatusFailed
		s.finishJob(ctx, payload.JobID, domain.JobStatusFailed, "", err.Error())
		s.dispatchWebhook(ctx, payload, webhook.JobEvent{
			JobID:      payload.JobID,
			Status:     domain.JobStatusFailed,
			Name:       payload.Name,
			Error:      err.Error(),
			FinishedAt: time.Now().UTC(),
		})
		if permanent {
			return fmt.Errorf("scrub job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("scrub job %s: %w", payload.JobID, err)
	}

	out := result.Output
	outcome = domain.JobStatusSucceeded
	s.logger.Printf("scrubbed job_id=%s output=%s size=%dx%d bytes=%d", payload.JobID, out.Path, out.Width, out.Height, out.Bytes)
	s.finishJob(ctx, payload.JobID, domain.JobStatusSucceeded, out.Path, "")
	s.metrics.pixelsScrubbedTotal.Add(float64(int64(out.Width) * int64(out.Height)))
	s.metrics.sourceBytesTotal.Add(float64(out.SourceBytes))
	s.metrics.outputBytesTotal.Add(float64(out.Bytes))

	s.dispatchWebhook(ctx, payload, webhook.JobEvent{
		JobID:      payload.JobID,
		Status:     domain.JobStatusSucceeded,
		Name:       payload.Name,
		OutputKey:  out.Path,
		Width:      out.Width,
		Height:     out.Height,
		FinishedAt: time.Now().UTC(),
	})

	span.SetStatus(codes.Ok, "scrubbed")
	return nil
}

// isPermanent reports failures that a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrNotAnImage) ||
		errors.Is(err, domain.ErrDecode) ||
		errors.Is(err, domain.ErrInvalidConfigValue) ||
		errors.Is(err, storage.ErrObjectTooLarge)
}

// finalAttempt is true when asynq will not retry the task again. Outside a
// worker there is no retry metadata and every attempt is final.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) finishJob(ctx context.Context, jobID, status, outputKey, errMsg string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Finish(ctx, jobID, status, outputKey, errMsg); err != nil {
		s.logger.Printf("job finish failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

// dispatchWebhook logs delivery failures; it never fails the task.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ScrubImagePayload, evt webhook.JobEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.SendJobEvent(ctx, payload.WebhookURL, evt); err != nil {
		s.metrics.webhookFailuresTotal.Inc()
		s.logger.Printf("webhook delivery failed job_id=%s status=%s err=%v", payload.JobID, evt.Status, err)
	}
}
