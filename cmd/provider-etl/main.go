// Package main provides the entry point for provider-etl.
package main

import (
	"log/slog"
	"os"

	"github.com/openhealthdata/provider-etl/cmd/provider-etl/commands"
)

func main() {
	a, err := commands.New()
	if err != nil {
		slog.Error("Failed to initialize application", "err", err)
		os.Exit(1)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
}

func run(a app) int {
	if err := a.Run(); err != nil {
		slog.Error(err.Error())

		if a.UsageError() {
			return 2
		}
		return 1
	}

	return 0
}
