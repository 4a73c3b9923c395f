package store

import (
	"context"
	"strings"

	"github.com/dunamismax/pixelscrub/internal/domain"
)

// JobStore keeps batch scrub jobs. Implementations return
// domain.ErrJobNotFound for unknown ids on update.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Finish(ctx context.Context, id, status, outputKey, errMsg string) (domain.Job, error)
}

// Open returns the Postgres store for a non-empty dsn and an in-memory store
// otherwise. The returned close func is never nil.
func Open(ctx context.Context, dsn string) (JobStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
