package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openhealthdata/provider-etl/internal/catalog"
)

type catalogManager interface {
	Datasets() []catalog.Descriptor
	Watch(ctx context.Context) (<-chan struct{}, <-chan error, error)
}

type runner interface {
	Run(ctx context.Context, datasets []catalog.Descriptor) (Report, error)
}

// Service reruns the pipeline on a fixed interval, picking up catalog changes
// between runs. The original deployment of this tool assumes a recurring
// batch job; service mode keeps the process resident instead of relying on an
// external scheduler.
type Service struct {
	cm       catalogManager
	pipe     runner
	interval time.Duration
}

// NewService creates a service over the catalog manager and pipeline.
func NewService(cm catalogManager, pipe runner, interval time.Duration) *Service {
	return &Service{
		cm:       cm,
		pipe:     pipe,
		interval: interval,
	}
}

// Run executes the pipeline immediately and then on every interval tick until
// ctx is canceled. The catalog file is watched and reloaded between runs.
//
// Always returns a non-nil error: the ctx error on shutdown, or a watcher
// failure.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("Pipeline service started", "interval", s.interval)

	reloadEventCh, watchErrCh, err := s.cm.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching catalog: %v", err)
	}

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Pipeline service shutting down")
			return ctx.Err()

		case <-ticker.C:
			s.runOnce(ctx)

		case _, ok := <-reloadEventCh:
			if !ok {
				// The watcher closes its channels on shutdown too.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("catalog watch channel closed unexpectedly")
			}
			slog.Info("Catalog reloaded, next run will use the updated datasets")

		case err, ok := <-watchErrCh:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("catalog watch error channel closed unexpectedly")
			}
			if err != nil {
				slog.Error("Catalog watcher error", "err", err)
			}
		}
	}
}

func (s *Service) runOnce(ctx context.Context) {
	report, err := s.pipe.Run(ctx, s.cm.Datasets())
	if err != nil {
		slog.Error("Pipeline run failed", "err", err)
		return
	}
	if !report.Ok() {
		slog.Warn("Pipeline run completed with failures", "run", report.RunID, "failed", report.Failed)
	}
}
