// Package session holds the interactive state: loaded images, the active
// filter configuration and in-flight ingestions. All of it is owned by the
// goroutine running Run; every other method talks to it through a queue, so
// each event sees the complete result of the one before.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dunamismax/pixelscrub/internal/domain"
	"github.com/dunamismax/pixelscrub/internal/ingest"
	"github.com/dunamismax/pixelscrub/internal/pipeline"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrAlreadyRunning = errors.New("session already running")
)

// Starter begins an asynchronous read and decode of one file.
type Starter interface {
	Start(ctx context.Context, f ingest.File, deliver func(ingest.Result))
}

// Recorder observes session work. Implementations must not block.
type Recorder interface {
	IngestionSettled(outcome string)
	Rendered(images int, pixels int64, elapsed time.Duration)
}

type Options struct {
	Logger    *log.Logger
	Config    domain.Configuration
	Rand      pipeline.Rand
	Notifier  Notifier
	Recorder  Recorder
	QueueSize int
}

type Session struct {
	logger   *log.Logger
	ingester Starter
	rng      pipeline.Rand
	notifier Notifier
	recorder Recorder

	events  chan event
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	runCtx  context.Context
	config  domain.Configuration
	records []*domain.ImageRecord
	pending map[string]pendingIngestion
	nextGen uint64
}

type pendingIngestion struct {
	gen    uint64
	cancel context.CancelFunc
}

// Snapshot is a consistent copy of the session. Records are in load order.
type Snapshot struct {
	Config  domain.Configuration
	Records []domain.ImageRecord
	Pending []string
}

// Recent returns the records most recent first, the order they are shown in.
func (s Snapshot) Recent() []domain.ImageRecord {
	out := make([]domain.ImageRecord, len(s.Records))
	for i, r := range s.Records {
		out[len(s.Records)-1-i] = r
	}
	return out
}

func New(ingester Starter, opts Options) (*Session, error) {
	if ingester == nil {
		return nil, errors.New("ingester is required")
	}
	cfg := opts.Config
	if cfg == (domain.Configuration{}) {
		cfg = domain.DefaultConfiguration()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rng := opts.Rand
	if rng == nil {
		rng = pipeline.NewRand(0)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier(logger)
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Session{
		logger:   logger,
		ingester: ingester,
		rng:      rng,
		notifier: notifier,
		recorder: recorder,
		events:   make(chan event, queueSize),
		done:     make(chan struct{}),
		config:   cfg,
		pending:  make(map[string]pendingIngestion),
	}, nil
}

// Run processes events one at a time until ctx is cancelled. It may only be
// called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	defer func() {
		cancel()
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			ev.apply(s)
		}
	}
}

// SubmitFiles starts ingesting files and returns without waiting for them.
func (s *Session) SubmitFiles(ctx context.Context, files []ingest.File) error {
	if len(files) == 0 {
		return nil
	}
	return s.send(ctx, submitFiles{files: files})
}

// FieldValue is one configuration field assignment.
type FieldValue struct {
	Field domain.Field
	Value int
}

// ConfigChanged sets one field and re-renders every loaded image. Values
// outside the field's range fail with domain.ErrInvalidConfigValue and leave
// the session untouched.
func (s *Session) ConfigChanged(ctx context.Context, field domain.Field, value int) (domain.Configuration, error) {
	return s.UpdateConfig(ctx, FieldValue{Field: field, Value: value})
}

// UpdateConfig applies every change as one event: either all of them take
// effect and the images are re-rendered once, or none do.
func (s *Session) UpdateConfig(ctx context.Context, changes ...FieldValue) (domain.Configuration, error) {
	reply := make(chan configReply, 1)
	if err := s.send(ctx, configChanged{changes: changes, reply: reply}); err != nil {
		return domain.Configuration{}, err
	}
	select {
	case r := <-reply:
		return r.config, r.err
	case <-ctx.Done():
		return domain.Configuration{}, ctx.Err()
	case <-s.done:
		return domain.Configuration{}, ErrClosed
	}
}

func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.send(ctx, snapshot{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.done:
		return Snapshot{}, ErrClosed
	}
}

func (s *Session) send(ctx context.Context, ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// post is used by ingestion goroutines, which have no caller context.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

type event interface {
	apply(s *Session)
}

type submitFiles struct {
	files []ingest.File
}

func (e submitFiles) apply(s *Session) {
	for _, f := range e.files {
		// A second upload under the same name replaces the first.
		if prev, ok := s.pending[f.Name]; ok {
			prev.cancel()
			s.logger.Printf("superseding pending ingestion name=%s", f.Name)
		}

		s.nextGen++
		gen := s.nextGen
		ctx, cancel := context.WithCancel(s.runCtx)
		s.pending[f.Name] = pendingIngestion{gen: gen, cancel: cancel}

		name := f.Name
		s.ingester.Start(ctx, f, func(res ingest.Result) {
			s.post(ingestionCompleted{name: name, gen: gen, result: res})
		})
	}
}

type ingestionCompleted struct {
	name   string
	gen    uint64
	result ingest.Result
}

func (e ingestionCompleted) apply(s *Session) {
	p, ok := s.pending[e.name]
	if !ok || p.gen != e.gen {
		s.logger.Printf("dropping superseded ingestion name=%s", e.name)
		s.recorder.IngestionSettled("superseded")
		return
	}
	delete(s.pending, e.name)
	p.cancel()

	if e.result.Err != nil {
		s.fail(e.name, e.result.Err)
		return
	}

	startedAt := time.Now()
	record, err := ingest.Render(e.result.Decoded, s.config, s.rng)
	if err != nil {
		s.fail(e.name, err)
		return
	}
	s.records = append(s.records, &record)
	s.recorder.Rendered(1, pixelCount(&record), time.Since(startedAt))
	s.recorder.IngestionSettled("loaded")

	s.logger.Printf(
		"loaded image name=%s media_type=%s size=%dx%d records=%d",
		record.Name,
		record.MediaType,
		record.Width(),
		record.Height(),
		len(s.records),
	)
}

func (s *Session) fail(name string, err error) {
	var kind string
	switch {
	case errors.Is(err, domain.ErrNotAnImage):
		kind = KindNotAnImage
	case errors.Is(err, domain.ErrDecode):
		kind = KindDecodeError
	default:
		s.logger.Printf("ingestion abandoned name=%s err=%v", name, err)
		s.recorder.IngestionSettled("abandoned")
		return
	}

	s.logger.Printf("ingestion failed name=%s kind=%s err=%v", name, kind, err)
	s.recorder.IngestionSettled(kind)
	s.notifier.Notify(Notification{
		Name:    name,
		Kind:    kind,
		Message: err.Error(),
		At:      time.Now().UTC(),
	})
}

type configReply struct {
	config domain.Configuration
	err    error
}

type configChanged struct {
	changes []FieldValue
	reply   chan<- configReply
}

func (e configChanged) apply(s *Session) {
	cfg := s.config
	for _, c := range e.changes {
		next, err := cfg.With(c.Field, c.Value)
		if err != nil {
			e.reply <- configReply{config: s.config, err: err}
			return
		}
		cfg = next
	}
	if len(e.changes) == 0 {
		e.reply <- configReply{config: cfg}
		return
	}

	// Render everything before touching state so a failure changes nothing.
	startedAt := time.Now()
	rendered := make([][]byte, len(s.records))
	var pixels int64
	for i, record := range s.records {
		data, err := pipeline.Transform(record.SourcePixels, cfg, s.rng)
		if err != nil {
			e.reply <- configReply{config: s.config, err: fmt.Errorf("re-render %s: %w", record.Name, err)}
			return
		}
		rendered[i] = data
		pixels += pixelCount(record)
	}

	s.config = cfg
	for i, record := range s.records {
		record.RenderedBytes = rendered[i]
	}
	s.recorder.Rendered(len(s.records), pixels, time.Since(startedAt))
	s.logger.Printf(
		"config changed fields=%d color_quantization=%d pixel_swap_strength=%d rerendered=%d",
		len(e.changes),
		cfg.ColorQuantization,
		cfg.PixelSwapStrength,
		len(s.records),
	)
	e.reply <- configReply{config: cfg}
}

type snapshot struct {
	reply chan<- Snapshot
}

func (e snapshot) apply(s *Session) {
	snap := Snapshot{
		Config:  s.config,
		Records: make([]domain.ImageRecord, len(s.records)),
		Pending: make([]string, 0, len(s.pending)),
	}
	for i, record := range s.records {
		snap.Records[i] = *record
	}
	for name := range s.pending {
		snap.Pending = append(snap.Pending, name)
	}
	sort.Strings(snap.Pending)
	e.reply <- snap
}

func pixelCount(r *domain.ImageRecord) int64 {
	return int64(r.Width()) * int64(r.Height())
}

type nopRecorder struct{}

func (nopRecorder) IngestionSettled(string) {}

func (nopRecorder) Rendered(int, int64, time.Duration) {}
