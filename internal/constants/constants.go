// Package constants is responsible for defining the constants used in the application.
// It also provides the tunable defaults for the pipeline stages.
package constants

import (
	"log/slog"
	"time"
)

const (
	// CmdName is the name of the command line tool.
	CmdName = "provider-etl"

	// Version is the version of the tool.
	Version = "Dev"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn

	// DefaultCatalogPath is the default path to the dataset catalog file.
	DefaultCatalogPath = "catalog.toml"

	// DefaultStorePath is the default path to the embedded store file.
	DefaultStorePath = "provider-etl.db"

	// DefaultDownloadWorkers is the default cap on concurrent in-flight downloads.
	DefaultDownloadWorkers = 4

	// DefaultQueueSize is the default capacity of the channels between pipeline stages.
	DefaultQueueSize = 4

	// DefaultMaxAttempts is the default number of fetch attempts per dataset.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the default initial delay between fetch retries.
	// The delay doubles after every failed attempt.
	DefaultBackoffBase = 500 * time.Millisecond

	// DefaultRequestTimeout is the default budget for a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultCommitAttempts is the default number of attempts for a single batch commit.
	DefaultCommitAttempts = 3

	// DefaultCommitTimeout is the default budget for a single commit attempt.
	DefaultCommitTimeout = 10 * time.Second
)
