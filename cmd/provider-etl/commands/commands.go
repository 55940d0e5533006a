// Package commands implements the provider-etl command line application.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openhealthdata/provider-etl/internal/catalog"
	"github.com/openhealthdata/provider-etl/internal/cli"
	"github.com/openhealthdata/provider-etl/internal/constants"
	"github.com/openhealthdata/provider-etl/internal/extractor"
	"github.com/openhealthdata/provider-etl/internal/pipeline"
	"github.com/openhealthdata/provider-etl/internal/store"
	"github.com/openhealthdata/provider-etl/internal/transform"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Catalog string
	Store   string

	DownloadWorkers  int
	TransformWorkers int
	QueueSize        int

	MaxAttempts    int
	BackoffBase    time.Duration
	RequestTimeout time.Duration
	CommitAttempts int

	Interval time.Duration
	DryRun   bool
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName,
		Short: "Download, normalize and load public health datasets",
		Long: `provider-etl downloads tabular public health datasets, normalizes them into
records and loads them into an embedded relational store, one transactional
batch per dataset.`,
		Version:       constants.Version,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			))); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if err := a.viper.BindPFlags(a.cmd.Flags()); err != nil {
		return nil, err
	}

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	cmd.Flags().StringVarP(&app.config.Catalog, "catalog", "c", constants.DefaultCatalogPath, "path to the dataset catalog file")
	cmd.Flags().StringVarP(&app.config.Store, "store", "s", constants.DefaultStorePath, "path to the embedded store file")

	cmd.Flags().IntVar(&app.config.DownloadWorkers, "download-workers", constants.DefaultDownloadWorkers, "maximum concurrent in-flight downloads")
	cmd.Flags().IntVar(&app.config.TransformWorkers, "transform-workers", 0, "transform worker count (0 uses the available parallelism)")
	cmd.Flags().IntVar(&app.config.QueueSize, "queue-size", constants.DefaultQueueSize, "capacity of the queues between pipeline stages")

	cmd.Flags().IntVar(&app.config.MaxAttempts, "max-attempts", constants.DefaultMaxAttempts, "fetch attempts per dataset before it is failed")
	cmd.Flags().DurationVar(&app.config.BackoffBase, "backoff-base", constants.DefaultBackoffBase, "initial delay between fetch retries")
	cmd.Flags().DurationVar(&app.config.RequestTimeout, "request-timeout", constants.DefaultRequestTimeout, "budget for a single HTTP request")
	cmd.Flags().IntVar(&app.config.CommitAttempts, "commit-attempts", constants.DefaultCommitAttempts, "attempts per batch commit before the dataset is failed")

	cmd.Flags().DurationVar(&app.config.Interval, "interval", 0, "rerun the pipeline on this interval instead of exiting (0 runs once)")
	cmd.Flags().BoolVar(&app.config.DryRun, "dry-run", false, "extract and transform without writing to the store")

	if err := cmd.MarkFlagFilename("catalog", "toml"); err != nil {
		panic(fmt.Sprintf("failed to mark catalog flag as filename: %v", err))
	}
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	if err := a.config.validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cm := catalog.New(a.config.Catalog)
	if err := cm.Load(); err != nil {
		return err
	}

	ext := extractor.New(extractor.Config{
		Workers:        a.config.DownloadWorkers,
		MaxAttempts:    a.config.MaxAttempts,
		BackoffBase:    a.config.BackoffBase,
		RequestTimeout: a.config.RequestTimeout,
	})
	pool := transform.NewPool(a.config.TransformWorkers)

	var st *store.Manager
	pipeCfg := pipeline.Config{QueueSize: a.config.QueueSize, DryRun: a.config.DryRun}
	var pipe *pipeline.Pipeline
	if a.config.DryRun {
		pipe = pipeline.New(ext, pool, nil, pipeCfg)
	} else {
		st, err = store.Open(ctx, store.Config{
			Path:           a.config.Store,
			CommitAttempts: a.config.CommitAttempts,
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("Error closing store", "err", closeErr)
			}
		}()
		pipe = pipeline.New(ext, pool, st, pipeCfg)
	}

	if a.config.Interval > 0 {
		service := pipeline.NewService(cm, pipe, a.config.Interval)
		if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	report, err := pipe.Run(ctx, cm.Datasets())
	if err != nil {
		return err
	}
	if !report.Ok() {
		return fmt.Errorf("%d of %d datasets failed", report.Failed, len(report.Datasets))
	}
	return nil
}

func (c appConfig) validate() error {
	if c.Catalog == "" {
		return errors.New("catalog path must be set")
	}
	if !c.DryRun && c.Store == "" {
		return errors.New("store path must be set")
	}
	if c.DownloadWorkers < 0 || c.TransformWorkers < 0 || c.QueueSize < 0 {
		return errors.New("worker counts and queue size cannot be negative")
	}
	if c.MaxAttempts < 1 || c.CommitAttempts < 1 {
		return errors.New("attempt ceilings must be at least 1")
	}
	if c.Interval < 0 {
		return errors.New("interval cannot be negative")
	}
	return nil
}
