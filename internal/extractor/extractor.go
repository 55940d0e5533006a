// Package extractor implements the extraction stage of the pipeline.
// It downloads raw dataset payloads over HTTP with a bounded number of
// concurrent in-flight requests and retries transient failures with backoff.
package extractor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openhealthdata/provider-etl/internal/catalog"
	"github.com/openhealthdata/provider-etl/internal/constants"
)

// NetworkError is returned when a dataset payload could not be fetched.
type NetworkError struct {
	// Status is the last HTTP status code received, 0 if the request never completed.
	Status int
	// Retryable reports whether the failure was considered transient.
	Retryable bool
	// Attempts is the number of fetch attempts made before giving up.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s network error after %d attempt(s): %v", kind, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Payload is a raw dataset payload as retrieved from the source.
// Ownership transfers to the transform stage when it is sent downstream;
// the extractor does not retain or mutate it afterwards.
type Payload struct {
	Descriptor catalog.Descriptor

	// Seq is the batch sequence number within the dataset, assigned by the
	// orchestrator before the payload is handed to the transform stage.
	Seq int64

	Body         []byte
	RetrievedAt  time.Time
	LastModified time.Time

	// NotModified is set when the source reported the dataset unchanged
	// since the given If-Modified-Since timestamp. Body is empty in that case.
	NotModified bool

	// Attempts is the number of fetch attempts used, including the successful one.
	Attempts int
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the tunables for the extractor.
type Config struct {
	// Workers caps the number of concurrent in-flight requests process-wide.
	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	RequestTimeout time.Duration
}

// Extractor downloads dataset payloads.
type Extractor struct {
	client httpDoer
	sem    *semaphore.Weighted

	maxAttempts int
	backoffBase time.Duration
	timeout     time.Duration

	timeProvider timeProvider
}

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time {
	return time.Now()
}

type options struct {
	// Private members exported for tests.
	client       httpDoer
	timeProvider timeProvider
}

// Options represents an optional function to override Extractor default values.
type Options func(*options)

// New returns a new Extractor for the given configuration.
func New(cfg Config, args ...Options) *Extractor {
	if cfg.Workers <= 0 {
		cfg.Workers = constants.DefaultDownloadWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = constants.DefaultBackoffBase
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.DefaultRequestTimeout
	}

	opts := options{
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		timeProvider: realTimeProvider{},
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Extractor{
		client:       opts.client,
		sem:          semaphore.NewWeighted(int64(cfg.Workers)),
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		timeout:      cfg.RequestTimeout,
		timeProvider: opts.timeProvider,
	}
}

// Fetch downloads the payload for the given descriptor.
//
// If since is non-zero it is sent as If-Modified-Since, and an unchanged source
// yields a payload with NotModified set instead of a body.
// Transient failures (timeouts, connection resets, 429 and 5xx responses) are
// retried with exponential backoff up to the attempt ceiling; other failures
// fail immediately. All failures are reported as a *NetworkError.
func (e *Extractor) Fetch(ctx context.Context, desc catalog.Descriptor, since time.Time) (*Payload, error) {
	backoff := e.backoffBase

	var lastErr *NetworkError
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		payload, err := e.fetchOnce(ctx, desc, since)
		if err == nil {
			payload.Attempts = attempt
			return payload, nil
		}

		netErr, ok := err.(*NetworkError)
		if !ok {
			netErr = &NetworkError{Retryable: false, Err: err}
		}
		netErr.Attempts = attempt
		lastErr = netErr

		if !netErr.Retryable || attempt == e.maxAttempts || ctx.Err() != nil {
			break
		}

		// #nosec:G404 We don't need cryptographic randomness.
		sleep := backoff + time.Duration(rand.Int63n(int64(e.backoffBase)))
		slog.Debug("Retrying dataset fetch after backoff", "dataset", desc.ID, "attempt", attempt, "backoff", sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = &NetworkError{Retryable: false, Attempts: attempt, Err: ctx.Err()}
			return nil, lastErr
		}
		backoff *= 2
	}

	return nil, lastErr
}

// fetchOnce performs a single HTTP GET for the descriptor, holding one of the
// K in-flight slots for the duration of the request.
func (e *Extractor) fetchOnce(ctx context.Context, desc catalog.Descriptor, since time.Time) (*Payload, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, &NetworkError{Retryable: false, Err: err}
	}
	defer e.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, &NetworkError{Retryable: false, Err: fmt.Errorf("failed to create request: %v", err)}
	}
	req.Header.Set("Accept", desc.ContentType)
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Timeouts, resets and other transport errors are worth another try.
		return nil, &NetworkError{Retryable: true, Err: fmt.Errorf("failed to send HTTP request: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		slog.Debug("Dataset not modified since last run", "dataset", desc.ID)
		return &Payload{
			Descriptor:   desc,
			RetrievedAt:  e.timeProvider.Now(),
			LastModified: since,
			NotModified:  true,
		}, nil
	case resp.StatusCode == http.StatusOK:
		// Handled below.
	default:
		return nil, &NetworkError{
			Status:    resp.StatusCode,
			Retryable: retryableStatus(resp.StatusCode),
			Err:       fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Status: resp.StatusCode, Retryable: true, Err: fmt.Errorf("failed to read response body: %v", err)}
	}

	lastModified := time.Time{}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			lastModified = t
		} else {
			slog.Debug("Ignoring unparseable Last-Modified header", "dataset", desc.ID, "value", v)
		}
	}

	return &Payload{
		Descriptor:   desc,
		Body:         body,
		RetrievedAt:  e.timeProvider.Now(),
		LastModified: lastModified,
	}, nil
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
