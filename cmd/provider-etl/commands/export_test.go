package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// NewForTests creates the application with the given command line arguments.
func NewForTests(t *testing.T, args ...string) *App {
	t.Helper()

	app, err := New()
	require.NoError(t, err, "Setup: could not create app")
	app.cmd.SetArgs(args)

	return app
}
