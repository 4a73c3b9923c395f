// Package api exposes the interactive session and the batch job queue over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/ingest"
	"github.com/dunamismax/pixelscrub/internal/queue"
	"github.com/dunamismax/pixelscrub/internal/ratelimit"
	"github.com/dunamismax/pixelscrub/internal/session"
	"github.com/dunamismax/pixelscrub/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 64 << 20

var errStorageUnavailable = errors.New("object storage is unavailable")

type ImageSession interface {
	SubmitFiles(ctx context.Context, files []ingest.File) error
	ConfigChanged(ctx context.Context, field domain.Field, value int) (domain.Configuration, error)
	UpdateConfig(ctx context.Context, changes ...session.FieldValue) (domain.Configuration, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

type NotificationSource interface {
	Drain() []session.Notification
}

type QueueEnqueuer interface {
	EnqueueScrubImage(ctx context.Context, payload queue.ScrubImagePayload) (*asynq.TaskInfo, error)
}

type ObjectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// Options wires a Server. Session is required; a nil Queue or Jobs turns the
// batch routes off and a nil Storage makes uploads and exports report 503.
type Options struct {
	Logger          *log.Logger
	Session         ImageSession
	Notifications   NotificationSource
	Queue           QueueEnqueuer
	Jobs            store.JobStore
	Storage         ObjectStorage
	RateLimiter     RateLimiter
	RateLimitHeader string
	Tracer          trace.Tracer
	Metrics         *Metrics
	MaxUploadBytes  int64
	PresignTTL      time.Duration
}

type Server struct {
	logger                *log.Logger
	session               ImageSession
	notifications         NotificationSource
	queueClient           QueueEnqueuer
	jobStore              store.JobStore
	storage               ObjectStorage
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *Metrics
	maxUploadBytes        int64
	presignTTL            time.Duration
	mux                   *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Session == nil {
		return nil, errors.New("session is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	storage := opts.Storage
	if storage == nil {
		storage = unavailableObjectStorage{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	presignTTL := opts.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	header := opts.RateLimitHeader
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		session:               opts.Session,
		notifications:         opts.Notifications,
		queueClient:           opts.Queue,
		jobStore:              opts.Jobs,
		storage:               storage,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		tracer:                opts.Tracer,
		metrics:               metrics,
		maxUploadBytes:        maxUpload,
		presignTTL:            presignTTL,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (unavailableObjectStorage) WriteObject(context.Context, string, []byte, string) error {
	return errStorageUnavailable
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/files", s.handleSubmitFiles)
	s.mux.HandleFunc("GET /v1/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /v1/config", s.handlePutConfig)
	s.mux.HandleFunc("GET /v1/config/{field}", s.handleGetConfigField)
	s.mux.HandleFunc("PUT /v1/config/{field}", s.handlePutConfigField)
	s.mux.HandleFunc("GET /v1/images", s.handleListImages)
	s.mux.HandleFunc("GET /v1/images/{index}/rendered", s.handleRendered)
	s.mux.HandleFunc("POST /v1/images/{index}/export", s.handleExport)
	s.mux.HandleFunc("GET /v1/notifications", s.handleNotifications)

	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/start", s.handleStartJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain failures onto HTTP statuses. Errors it does not
// recognise get fallback.
func statusFor(err error, fallback int) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, domain.ErrNotAnImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrDecode), errors.Is(err, domain.ErrInvalidConfigValue):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errStorageUnavailable),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return fallback
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
