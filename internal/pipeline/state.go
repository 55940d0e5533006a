package pipeline

import (
	"time"

	"github.com/openhealthdata/provider-etl/internal/catalog"
)

// Status is the lifecycle state of a dataset within a pipeline run.
type Status int

// Dataset states, in order. Transitions are monotonic and Failed is absorbing.
const (
	StatusPending Status = iota
	StatusExtracting
	StatusTransforming
	StatusLoading
	StatusSucceeded
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExtracting:
		return "extracting"
	case StatusTransforming:
		return "transforming"
	case StatusLoading:
		return "loading"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// event is a status transition reported by a pipeline stage.
// Stages never touch the run state directly; they send events and the
// orchestrator's collector applies them.
type event struct {
	dataset string
	status  Status

	records  int
	skipped  int
	attempts int
	err      error
}

type datasetState struct {
	status   Status
	records  int
	skipped  int
	attempts int
	err      error

	started  time.Time
	finished time.Time
}

// runState tracks per-dataset status and aggregate counters for one run.
// It is only ever mutated by the orchestrator's collector goroutine.
type runState struct {
	order    []string
	datasets map[string]*datasetState
}

func newRunState(datasets []catalog.Descriptor) *runState {
	s := &runState{
		datasets: make(map[string]*datasetState, len(datasets)),
	}
	for _, d := range datasets {
		s.order = append(s.order, d.ID)
		s.datasets[d.ID] = &datasetState{status: StatusPending}
	}
	return s
}

// apply advances a dataset's state. Transitions that would move backwards or
// out of a terminal state are ignored.
func (s *runState) apply(e event, now time.Time) {
	ds, ok := s.datasets[e.dataset]
	if !ok {
		return
	}
	if ds.status.Terminal() || e.status <= ds.status {
		return
	}

	if ds.status == StatusPending {
		ds.started = now
	}
	ds.status = e.status

	if e.attempts > 0 {
		ds.attempts = e.attempts
	}
	if e.status.Terminal() {
		ds.records = e.records
		ds.skipped = e.skipped
		ds.err = e.err
		ds.finished = now
	}
}

// DatasetResult is the final outcome for one dataset.
type DatasetResult struct {
	Dataset string
	Status  Status

	Records     int
	SkippedRows int
	Attempts    int
	Err         error

	Started  time.Time
	Finished time.Time
}

// Report aggregates the outcome of a pipeline run.
type Report struct {
	RunID string

	Started  time.Time
	Finished time.Time

	Datasets []DatasetResult

	Succeeded int
	Failed    int
	// NotAttempted counts datasets without a terminal state, which happens
	// when a run is canceled before they complete.
	NotAttempted int
}

// Ok reports whether no dataset failed.
func (r Report) Ok() bool {
	return r.Failed == 0
}

func (s *runState) report(runID string, started, finished time.Time) Report {
	r := Report{
		RunID:    runID,
		Started:  started,
		Finished: finished,
	}

	for _, id := range s.order {
		ds := s.datasets[id]
		r.Datasets = append(r.Datasets, DatasetResult{
			Dataset:     id,
			Status:      ds.status,
			Records:     ds.records,
			SkippedRows: ds.skipped,
			Attempts:    ds.attempts,
			Err:         ds.err,
			Started:     ds.started,
			Finished:    ds.finished,
		})

		switch ds.status {
		case StatusSucceeded:
			r.Succeeded++
		case StatusFailed:
			r.Failed++
		default:
			r.NotAttempted++
		}
	}

	return r
}
