package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/ingest"
	"github.com/dunamismax/pixelscrub/internal/pipeline"
	"github.com/dunamismax/pixelscrub/internal/queue"
	"github.com/dunamismax/pixelscrub/internal/ratelimit"
	"github.com/dunamismax/pixelscrub/internal/session"
	"github.com/dunamismax/pixelscrub/internal/store"
	"github.com/hibiken/asynq"
)

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSubmitFilesLoadsImagesAndNotifies(t *testing.T) {
	env := newTestEnv(t, nil)

	body, contentType := multipartBody(t,
		uploadPart{name: "a.png", mediaType: "image/png", data: buildPNG(t, 6, 4)},
		uploadPart{name: "notes.txt", mediaType: "text/plain", data: []byte("hello")},
	)
	rec := env.do(t, http.MethodPost, "/v1/files", body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}

	env.waitSettled(t)

	rec = env.do(t, http.MethodGet, "/v1/images", nil, "")
	var listing struct {
		Images []imageView `json:"images"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Images) != 1 {
		t.Fatalf("expected one image, got %d", len(listing.Images))
	}
	img := listing.Images[0]
	if img.Name != "a.png" || img.Width != 6 || img.Height != 4 {
		t.Fatalf("unexpected image %+v", img)
	}
	if !strings.HasPrefix(img.Source, "data:image/png;base64,") || !strings.HasPrefix(img.Rendered, "data:image/png;base64,") {
		t.Fatalf("expected png data URIs, got %.40q / %.40q", img.Source, img.Rendered)
	}

	rec = env.do(t, http.MethodGet, "/v1/notifications", nil, "")
	var notes struct {
		Notifications []session.Notification `json:"notifications"`
	}
	decodeBody(t, rec, &notes)
	if len(notes.Notifications) != 1 || notes.Notifications[0].Kind != session.KindNotAnImage {
		t.Fatalf("expected one not_an_image notification, got %+v", notes.Notifications)
	}

	rec = env.do(t, http.MethodGet, "/v1/notifications", nil, "")
	decodeBody(t, rec, &notes)
	if len(notes.Notifications) != 0 {
		t.Fatalf("expected notifications to be drained, got %+v", notes.Notifications)
	}
}

func TestSubmitFilesRequiresFiles(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/files", strings.NewReader("{}"), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", rec.Code)
	}

	body, contentType := multipartBody(t)
	rec = env.do(t, http.MethodPost, "/v1/files", body, contentType)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty upload, got %d", rec.Code)
	}
}

func TestSubmitFilesEnforcesUploadLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxUploadBytes = 512 })

	body, contentType := multipartBody(t, uploadPart{name: "big.png", mediaType: "image/png", data: bytes.Repeat([]byte{1}, 4096)})
	rec := env.do(t, http.MethodPost, "/v1/files", body, contentType)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRenderedReturnsPNG(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t, "photo.png", buildPNG(t, 3, 3))

	rec := env.do(t, http.MethodGet, "/v1/images/0/rendered", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("expected image/png, got %q", got)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "photo.scrubbed.png") {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("rendered body is not a png: %v", err)
	}

	if rec := env.do(t, http.MethodGet, "/v1/images/1/rendered", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing index, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/images/x/rendered", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad index, got %d", rec.Code)
	}
}

func TestConfigFieldUpdates(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPut, "/v1/config/color_quantization", strings.NewReader(`{"value":9}`), "application/json")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out-of-range value, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/config/color_quantization", nil, "")
	var got configValue
	decodeBody(t, rec, &got)
	if got.Value != domain.DefaultColorQuantization {
		t.Fatalf("expected unchanged quantization %d, got %d", domain.DefaultColorQuantization, got.Value)
	}

	rec = env.do(t, http.MethodPut, "/v1/config/pixel_swap_strength", strings.NewReader(`{"value":0}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var cfg domain.Configuration
	decodeBody(t, rec, &cfg)
	if cfg.PixelSwapStrength != 0 || cfg.ColorQuantization != domain.DefaultColorQuantization {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if rec := env.do(t, http.MethodGet, "/v1/config/brightness", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown field, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/v1/config/color_quantization", strings.NewReader(`{}`), "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without value, got %d", rec.Code)
	}
}

func TestPutConfigRejectsWholePatch(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPut, "/v1/config", strings.NewReader(`{"color_quantization":2,"pixel_swap_strength":11}`), "application/json")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/config", nil, "")
	var cfg domain.Configuration
	decodeBody(t, rec, &cfg)
	if cfg != domain.DefaultConfiguration() {
		t.Fatalf("expected defaults after rejected patch, got %+v", cfg)
	}

	rec = env.do(t, http.MethodPut, "/v1/config", strings.NewReader(`{"color_quantization":2,"pixel_swap_strength":7}`), "application/json")
	decodeBody(t, rec, &cfg)
	if cfg.ColorQuantization != 2 || cfg.PixelSwapStrength != 7 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestExportWritesRenderedImage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.load(t, "scan.png", buildPNG(t, 2, 2))

	rec := env.do(t, http.MethodPost, "/v1/images/0/export", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		ObjectKey string `json:"object_key"`
	}
	decodeBody(t, rec, &out)
	if !strings.HasPrefix(out.ObjectKey, "exports/exp-") || !strings.HasSuffix(out.ObjectKey, "/scan.scrubbed.png") {
		t.Fatalf("unexpected object key %q", out.ObjectKey)
	}
	if ok, _ := env.objects.ObjectExists(context.Background(), out.ObjectKey); !ok {
		t.Fatalf("expected %s to be written", out.ObjectKey)
	}
}

func TestExportWithoutStorage(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Storage = nil })
	env.load(t, "scan.png", buildPNG(t, 2, 2))

	if rec := env.do(t, http.MethodPost, "/v1/images/0/export", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestBatchJobLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"name":"a.jpg","media_type":"image/jpeg","color_quantization":2}`), "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID  string               `json:"job_id"`
		Config domain.Configuration `json:"config"`
		Upload struct {
			ObjectKey string `json:"object_key"`
			URL       string `json:"presigned_put_url"`
		} `json:"upload"`
	}
	decodeBody(t, rec, &created)
	if created.Config.ColorQuantization != 2 || created.Config.PixelSwapStrength != domain.DefaultPixelSwapStrength {
		t.Fatalf("unexpected job config %+v", created.Config)
	}
	if created.Upload.URL == "" || created.Upload.ObjectKey != "uploads/"+created.JobID+"/source" {
		t.Fatalf("unexpected upload %+v", created.Upload)
	}

	startPath := "/v1/jobs/" + created.JobID + "/start"
	if rec := env.do(t, http.MethodPost, startPath, nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before upload, got %d", rec.Code)
	}

	if err := env.objects.WriteObject(context.Background(), created.Upload.ObjectKey, []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("write object: %v", err)
	}
	if rec := env.do(t, http.MethodPost, startPath, nil, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on start, got %d body=%s", rec.Code, rec.Body.String())
	}

	payloads := env.queue.queued()
	if len(payloads) != 1 || payloads[0].JobID != created.JobID || payloads[0].Config != created.Config || payloads[0].MediaType != "image/jpeg" {
		t.Fatalf("unexpected queued payloads %+v", payloads)
	}

	if rec := env.do(t, http.MethodPost, startPath, nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second start, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+created.JobID, nil, "")
	var job jobView
	decodeBody(t, rec, &job)
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued job, got %+v", job)
	}

	if rec := env.do(t, http.MethodGet, "/v1/jobs/job-missing", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		body string
		want int
	}{
		{`{"name":"a.txt","media_type":"text/plain"}`, http.StatusUnsupportedMediaType},
		{`{"name":"a.heic","media_type":"image/heic"}`, http.StatusUnprocessableEntity},
		{`{"name":"a.png","media_type":"image/png","pixel_swap_strength":11}`, http.StatusUnprocessableEntity},
		{`{"media_type":"image/png"}`, http.StatusBadRequest},
		{`{"name":"a.png","media_type":"image/png","extra":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(tc.body), "application/json")
		if rec.Code != tc.want {
			t.Errorf("body %s: expected %d, got %d", tc.body, tc.want, rec.Code)
		}
	}
}

func TestBatchRoutesDisabledWithoutQueue(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Queue = nil })

	rec := env.do(t, http.MethodPost, "/v1/jobs", strings.NewReader(`{"name":"a.png","media_type":"image/png"}`), "application/json")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSubmitFilesRateLimitedByFileCount(t *testing.T) {
	limiter := &fakeLimiter{tokens: 2}
	env := newTestEnv(t, func(o *Options) { o.RateLimiter = limiter })

	body, contentType := multipartBody(t,
		uploadPart{name: "a.png", mediaType: "image/png", data: buildPNG(t, 1, 1)},
		uploadPart{name: "b.png", mediaType: "image/png", data: buildPNG(t, 1, 1)},
		uploadPart{name: "c.png", mediaType: "image/png", data: buildPNG(t, 1, 1)},
	)
	rec := env.do(t, http.MethodPost, "/v1/files", body, contentType)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := fmt.Sprint(limiter.costs); got != "[1 2]" {
		t.Fatalf("expected costs [1 2], got %s", got)
	}
}

func TestSubmitFilesRateLimitedBeforeReadingBody(t *testing.T) {
	limiter := &fakeLimiter{tokens: 0}
	env := newTestEnv(t, func(o *Options) { o.RateLimiter = limiter })

	body, contentType := multipartBody(t,
		uploadPart{name: "a.png", mediaType: "image/png", data: buildPNG(t, 1, 1)},
	)
	counted := &countingReader{r: body}
	rec := env.do(t, http.MethodPost, "/v1/files", counted, contentType)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if counted.n != 0 {
		t.Fatalf("expected the body to stay unread, read %d bytes", counted.n)
	}
}

func TestSubmitFilesChargesOneTokenPerFile(t *testing.T) {
	limiter := &fakeLimiter{tokens: 5}
	env := newTestEnv(t, func(o *Options) { o.RateLimiter = limiter })

	body, contentType := multipartBody(t,
		uploadPart{name: "a.png", mediaType: "image/png", data: buildPNG(t, 1, 1)},
		uploadPart{name: "b.png", mediaType: "image/png", data: buildPNG(t, 1, 1)},
	)
	rec := env.do(t, http.MethodPost, "/v1/files", body, contentType)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if limiter.tokens != 3 {
		t.Fatalf("expected 3 tokens left, got %d", limiter.tokens)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "3" {
		t.Fatalf("expected X-RateLimit-Remaining 3, got %q", got)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs":                      "/v1/jobs",
		"/v1/jobs/job-1":                "/v1/jobs/{id}",
		"/v1/jobs/job-1/start":          "/v1/jobs/{id}/start",
		"/v1/images":                    "/v1/images",
		"/v1/images/3/rendered":         "/v1/images/{index}/rendered",
		"/v1/images/3/export":           "/v1/images/{index}/export",
		"/v1/images/3/other":            "other",
		"/v1/config":                    "/v1/config",
		"/v1/config/color_quantization": "/v1/config/{field}",
		"/v1/files":                     "/v1/files",
		"/metrics":                      "/metrics",
		"/nope":                         "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", domain.ErrNotAnImage), http.StatusUnsupportedMediaType},
		{fmt.Errorf("x: %w", domain.ErrDecode), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", domain.ErrInvalidConfigValue), http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", domain.ErrJobNotFound), http.StatusNotFound},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusTeapot},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err, http.StatusTeapot); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

type testEnv struct {
	handler http.Handler
	session *session.Session
	objects *memoryStorage
	queue   *fakeQueue
}

func newTestEnv(t *testing.T, configure func(*Options)) testEnv {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	decoder, err := pipeline.NewDecoder()
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	inbox := session.NewInbox(16)
	metrics := NewMetrics()
	sess, err := session.New(ingest.New(decoder), session.Options{
		Logger:   logger,
		Rand:     rand.New(rand.NewPCG(7, 11)),
		Notifier: inbox,
		Recorder: metrics,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sess.Run(ctx)

	objects := newMemoryStorage()
	q := &fakeQueue{}
	opts := Options{
		Logger:        logger,
		Session:       sess,
		Notifications: inbox,
		Queue:         q,
		Jobs:          store.NewMemoryJobStore(),
		Storage:       objects,
		Metrics:       metrics,
	}
	if configure != nil {
		configure(&opts)
	}
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return testEnv{handler: srv.Handler(), session: sess, objects: objects, queue: q}
}

func (e testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) load(t *testing.T, name string, data []byte) {
	t.Helper()

	body, contentType := multipartBody(t, uploadPart{name: name, mediaType: "image/png", data: data})
	if rec := e.do(t, http.MethodPost, "/v1/files", body, contentType); rec.Code != http.StatusAccepted {
		t.Fatalf("upload %s: got %d", name, rec.Code)
	}
	e.waitSettled(t)
}

func (e testEnv) waitSettled(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.session.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap.Pending) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for ingestions to settle")
}

type uploadPart struct {
	name      string
	mediaType string
	data      []byte
}

func multipartBody(t *testing.T, parts ...uploadPart) (io.Reader, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, p.name))
		header.Set("Content-Type", p.mediaType)
		part, err := w.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(p.data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()

	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode response (status %d): %v", rec.Code, err)
	}
}

func buildPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(30 * x), G: uint8(50 * y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte)}
}

func (m *memoryStorage) PresignedPutURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://objects.test/" + objectKey + "?signed=1", nil
}

func (m *memoryStorage) ObjectExists(_ context.Context, objectKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objectKey]
	return ok, nil
}

func (m *memoryStorage) WriteObject(_ context.Context, objectKey string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey] = append([]byte(nil), data...)
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.ScrubImagePayload
}

func (q *fakeQueue) EnqueueScrubImage(_ context.Context, payload queue.ScrubImagePayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.payloads {
		if p.JobID == payload.JobID {
			return nil, asynq.ErrTaskIDConflict
		}
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "scrub", State: asynq.TaskStatePending}, nil
}

func (q *fakeQueue) queued() []queue.ScrubImagePayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.ScrubImagePayload(nil), q.payloads...)
}

type fakeLimiter struct {
	tokens int
	costs  []int
}

func (l *fakeLimiter) AllowN(_ context.Context, _ string, cost int) (ratelimit.Decision, error) {
	l.costs = append(l.costs, cost)
	if cost > l.tokens {
		return ratelimit.Decision{Allowed: false, Remaining: int64(l.tokens), RetryAfter: 2 * time.Second}, nil
	}
	l.tokens -= cost
	return ratelimit.Decision{Allowed: true, Remaining: int64(l.tokens)}, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
