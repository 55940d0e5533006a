// Package pipeline implements the orchestrator of the ETL run.
// It wires bounded queues between the extraction, transform and load stages,
// tracks per-dataset run state, enforces backpressure and handles cancellation
// and final reporting.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhealthdata/provider-etl/internal/catalog"
	"github.com/openhealthdata/provider-etl/internal/constants"
	"github.com/openhealthdata/provider-etl/internal/extractor"
	"github.com/openhealthdata/provider-etl/internal/transform"
)

type fetcher interface {
	Fetch(ctx context.Context, desc catalog.Descriptor, since time.Time) (*extractor.Payload, error)
}

type transformPool interface {
	Start(ctx context.Context, in <-chan *extractor.Payload, out chan<- transform.Result)
}

type loader interface {
	BeginRun(ctx context.Context, runID, dataset string, start time.Time) error
	CommitBatch(ctx context.Context, runID string, b *transform.Batch) error
	FinishRun(ctx context.Context, runID, dataset, status string, attempts int, errSummary string, finished time.Time) error
	LastModified(ctx context.Context, dataset string) (time.Time, error)
}

// Config holds the orchestrator tunables.
type Config struct {
	// QueueSize is the capacity of the channels between stages.
	QueueSize int
	// DryRun skips all store writes.
	DryRun bool
}

// Pipeline coordinates one or more ETL runs over a set of datasets.
type Pipeline struct {
	fetcher fetcher
	pool    transformPool
	store   loader

	queueSize int
	dryRun    bool
}

// New creates the orchestrator over the three stage implementations.
// store may be nil only when cfg.DryRun is set.
func New(f fetcher, pool transformPool, store loader, cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.DefaultQueueSize
	}

	return &Pipeline{
		fetcher:   f,
		pool:      pool,
		store:     store,
		queueSize: cfg.QueueSize,
		dryRun:    cfg.DryRun,
	}
}

// Run executes one pipeline run over the given datasets and returns the final
// report once every dataset has reached a terminal state or the run was
// canceled.
//
// Failures are dataset-scoped: a failed dataset never blocks or cancels its
// siblings. On cancellation no new work is admitted, but batches already
// handed to the loader finish committing.
func (p *Pipeline) Run(ctx context.Context, datasets []catalog.Descriptor) (Report, error) {
	runID := uuid.NewString()
	started := time.Now()
	slog.Info("Pipeline run started", "run", runID, "datasets", len(datasets), "dryRun", p.dryRun)

	state := newRunState(datasets)
	payloads := make(chan *extractor.Payload, p.queueSize)
	results := make(chan transform.Result, p.queueSize)
	events := make(chan event, p.queueSize)

	// Collector: the only goroutine that mutates the run state.
	var collectorWG sync.WaitGroup
	collectorWG.Add(1)
	go func() {
		defer collectorWG.Done()
		for e := range events {
			state.apply(e, time.Now())
		}
	}()

	// Extraction: one goroutine per dataset; the extractor itself bounds the
	// number of in-flight requests process-wide.
	var extractWG sync.WaitGroup
	for _, d := range datasets {
		extractWG.Add(1)
		go func(d catalog.Descriptor) {
			defer extractWG.Done()
			p.extractDataset(ctx, runID, d, payloads, events)
		}(d)
	}
	go func() {
		extractWG.Wait()
		close(payloads)
	}()

	p.pool.Start(ctx, payloads, results)

	// Load: a single consumer, so batch commits are naturally serialized in
	// arrival order.
	for res := range results {
		p.loadResult(ctx, runID, res, events)
	}

	// On cancellation the pool can drain before the extraction goroutines
	// observe ctx; wait for every event producer before closing the channel.
	extractWG.Wait()
	close(events)
	collectorWG.Wait()

	report := state.report(runID, started, time.Now())
	logReport(report)
	return report, nil
}

func (p *Pipeline) extractDataset(ctx context.Context, runID string, d catalog.Descriptor, payloads chan<- *extractor.Payload, events chan<- event) {
	select {
	case <-ctx.Done():
		// Never started; the dataset stays pending and is reported as not attempted.
		return
	default:
	}

	events <- event{dataset: d.ID, status: StatusExtracting}

	var since time.Time
	if !p.dryRun {
		if err := p.store.BeginRun(ctx, runID, d.ID, time.Now()); err != nil {
			p.failDataset(ctx, runID, d.ID, 0, err, events)
			return
		}
		var err error
		if since, err = p.store.LastModified(ctx, d.ID); err != nil {
			slog.Warn("Could not read dataset freshness state, fetching unconditionally", "dataset", d.ID, "err", err)
		}
	}

	payload, err := p.fetcher.Fetch(ctx, d, since)
	if err != nil {
		attempts := 0
		var netErr *extractor.NetworkError
		if errors.As(err, &netErr) {
			attempts = netErr.Attempts
		}
		p.failDataset(ctx, runID, d.ID, attempts, err, events)
		return
	}

	if payload.NotModified {
		slog.Info("Dataset is up to date, nothing to load", "dataset", d.ID)
		p.succeedDataset(ctx, runID, d.ID, payload.Attempts, 0, 0, events)
		return
	}

	payload.Seq = 1

	select {
	case payloads <- payload:
		events <- event{dataset: d.ID, status: StatusTransforming, attempts: payload.Attempts}
	case <-ctx.Done():
		slog.Debug("Run canceled before payload could be handed to transform", "dataset", d.ID)
	}
}

func (p *Pipeline) loadResult(ctx context.Context, runID string, res transform.Result, events chan<- event) {
	if res.Err != nil {
		p.failDataset(ctx, runID, res.Dataset, res.Attempts, res.Err, events)
		return
	}

	b := res.Batch
	events <- event{dataset: b.Dataset, status: StatusLoading}

	if !p.dryRun {
		if err := p.store.CommitBatch(ctx, runID, b); err != nil {
			p.failDataset(ctx, runID, b.Dataset, b.Attempts, err, events)
			return
		}
	}

	p.succeedDataset(ctx, runID, b.Dataset, b.Attempts, len(b.Records), len(b.Skipped), events)
}

func (p *Pipeline) succeedDataset(ctx context.Context, runID, dataset string, attempts, records, skipped int, events chan<- event) {
	if !p.dryRun {
		if err := p.store.FinishRun(ctx, runID, dataset, StatusSucceeded.String(), attempts, "", time.Now()); err != nil {
			slog.Warn("Failed to finalize run metadata", "dataset", dataset, "err", err)
		}
	}

	events <- event{
		dataset:  dataset,
		status:   StatusSucceeded,
		records:  records,
		skipped:  skipped,
		attempts: attempts,
	}
}

func (p *Pipeline) failDataset(ctx context.Context, runID, dataset string, attempts int, cause error, events chan<- event) {
	slog.Warn("Dataset failed", "dataset", dataset, "err", cause)

	if !p.dryRun {
		if err := p.store.FinishRun(ctx, runID, dataset, StatusFailed.String(), attempts, cause.Error(), time.Now()); err != nil {
			slog.Warn("Failed to finalize run metadata", "dataset", dataset, "err", err)
		}
	}

	events <- event{
		dataset:  dataset,
		status:   StatusFailed,
		attempts: attempts,
		err:      cause,
	}
}

func logReport(r Report) {
	for _, d := range r.Datasets {
		switch d.Status {
		case StatusSucceeded:
			slog.Info("Dataset succeeded", "run", r.RunID, "dataset", d.Dataset, "records", d.Records, "skippedRows", d.SkippedRows, "attempts", d.Attempts)
		case StatusFailed:
			slog.Error("Dataset failed", "run", r.RunID, "dataset", d.Dataset, "err", d.Err)
		default:
			slog.Warn("Dataset not attempted", "run", r.RunID, "dataset", d.Dataset, "lastStatus", d.Status.String())
		}
	}

	slog.Info("Pipeline run finished",
		"run", r.RunID,
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"notAttempted", r.NotAttempted,
		"duration", r.Finished.Sub(r.Started).String(),
	)
}
