package cache

import (
	"context"
	"time"

	"kassanova/backend/internal/domain"
)

// ReportCache holds freshly computed X-reports for a short window so that a
// terminal polling the consultation endpoint does not recompute the whole day
// on every request. Closing a day must invalidate the entry.
type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.XReport, bool, error)
	Set(ctx context.Context, key string, value *domain.XReport, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.XReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.XReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Delete(_ context.Context, _ string) error {
	return nil
}
