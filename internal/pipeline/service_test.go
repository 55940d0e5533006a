package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhealthdata/provider-etl/internal/catalog"
	"github.com/openhealthdata/provider-etl/internal/pipeline"
)

// mockCatalog hands out a fixed dataset list and scripted watch channels.
type mockCatalog struct {
	watchErr error

	mu       sync.Mutex
	datasets []catalog.Descriptor
	changes  chan struct{}
	errs     chan error
}

func newMockCatalog(ids ...string) *mockCatalog {
	return &mockCatalog{
		datasets: descriptors(ids...),
		changes:  make(chan struct{}, 1),
		errs:     make(chan error, 1),
	}
}

func (c *mockCatalog) Datasets() []catalog.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.datasets
}

func (c *mockCatalog) setDatasets(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets = descriptors(ids...)
}

func (c *mockCatalog) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if c.watchErr != nil {
		return nil, nil, c.watchErr
	}
	go func() {
		<-ctx.Done()
		close(c.changes)
		close(c.errs)
	}()
	return c.changes, c.errs, nil
}

// mockRunner counts runs and records the datasets of each.
type mockRunner struct {
	runs atomic.Int32

	mu   sync.Mutex
	seen [][]string
}

func (r *mockRunner) Run(ctx context.Context, datasets []catalog.Descriptor) (pipeline.Report, error) {
	r.runs.Add(1)

	var ids []string
	for _, d := range datasets {
		ids = append(ids, d.ID)
	}
	r.mu.Lock()
	r.seen = append(r.seen, ids)
	r.mu.Unlock()

	return pipeline.Report{RunID: "run", Succeeded: len(datasets)}, nil
}

func (r *mockRunner) lastSeen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return nil
	}
	return r.seen[len(r.seen)-1]
}

func TestServiceRunsImmediatelyAndOnTicks(t *testing.T) {
	t.Parallel()

	cm := newMockCatalog("hospitals")
	runner := &mockRunner{}
	svc := pipeline.NewService(cm, runner, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() >= 3 },
		5*time.Second, 10*time.Millisecond, "The pipeline should run immediately and then on every tick")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled, "Shutdown should report the context error")
	case <-time.After(5 * time.Second):
		t.Fatal("Service did not stop after cancellation")
	}
}

func TestServicePicksUpCatalogChanges(t *testing.T) {
	t.Parallel()

	cm := newMockCatalog("hospitals")
	runner := &mockRunner{}
	svc := pipeline.NewService(cm, runner, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() >= 1 },
		5*time.Second, 5*time.Millisecond, "The first run should happen immediately")

	cm.setDatasets("hospitals", "clinics")
	cm.changes <- struct{}{}

	require.Eventually(t, func() bool {
		last := runner.lastSeen()
		return len(last) == 2
	}, 5*time.Second, 5*time.Millisecond, "Later runs should use the reloaded catalog")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Service did not stop after cancellation")
	}
}

func TestServiceFailsWhenWatchCannotStart(t *testing.T) {
	t.Parallel()

	cm := newMockCatalog("hospitals")
	cm.watchErr = fmt.Errorf("no inotify descriptors left")
	runner := &mockRunner{}

	err := pipeline.NewService(cm, runner, time.Minute).Run(context.Background())
	require.Error(t, err, "Run should fail when the watcher cannot start")
	assert.Zero(t, runner.runs.Load(), "No pipeline run should happen without a watcher")
}
