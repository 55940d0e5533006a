package commands_test

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhealthdata/provider-etl/cmd/provider-etl/commands"
)

const csvBody = "Hospital Name,ZIP Code\nSt. Mary's,\"02139\"\nGeneral,\"06510\"\n"

// setupRun writes a catalog pointing at the given URL and returns the common
// arguments for a fast single run.
func setupRun(t *testing.T, url string) (args []string, storePath string) {
	t.Helper()

	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.toml")
	storePath = filepath.Join(dir, "etl.db")

	catalog := fmt.Sprintf(`
[[dataset]]
id = "hospitals"
url = %q
table = "hospitals"
`, url)
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalog), 0600), "Setup: could not write catalog")

	return []string{
		"--catalog", catalogPath,
		"--store", storePath,
		"--max-attempts", "1",
		"--backoff-base", "1ms",
	}, storePath
}

func TestRunLoadsDatasets(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(csvBody))
	}))
	t.Cleanup(server.Close)

	args, storePath := setupRun(t, server.URL)
	app := commands.NewForTests(t, args...)

	require.NoError(t, app.Run(), "Run should not fail")
	assert.False(t, app.UsageError(), "A pipeline run is not a usage error")

	// The store driver is registered by the store package.
	db, err := sql.Open("sqlite", "file:"+storePath)
	require.NoError(t, err, "Could not open store file")
	t.Cleanup(func() { _ = db.Close() })

	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM hospitals`).Scan(&rows), "Data table should exist")
	assert.Equal(t, 2, rows, "Unexpected data row count")

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM runs WHERE dataset = ?`, "hospitals").Scan(&status),
		"Run metadata should exist")
	assert.Equal(t, "succeeded", status, "Unexpected run status")
}

func TestRunReportsFailedDatasets(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	args, _ := setupRun(t, server.URL)
	app := commands.NewForTests(t, args...)

	err := app.Run()
	require.Error(t, err, "Run should fail when a dataset fails")
	assert.Contains(t, err.Error(), "1 of 1 datasets failed", "The error should summarize the failures")
	assert.False(t, app.UsageError(), "A failed dataset is not a usage error")
}

func TestDryRunWritesNothing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(csvBody))
	}))
	t.Cleanup(server.Close)

	args, storePath := setupRun(t, server.URL)
	app := commands.NewForTests(t, append(args, "--dry-run")...)

	require.NoError(t, app.Run(), "Run should not fail")

	_, err := os.Stat(storePath)
	assert.True(t, os.IsNotExist(err), "A dry run should not create the store file")
}

func TestRunFailsOnMissingCatalog(t *testing.T) {
	t.Parallel()

	app := commands.NewForTests(t, "--catalog", filepath.Join(t.TempDir(), "nope.toml"))

	require.Error(t, app.Run(), "Run should fail without a catalog")
	assert.False(t, app.UsageError(), "A missing catalog is not a usage error")
}

func TestUsageErrorOnUnknownFlag(t *testing.T) {
	t.Parallel()

	app := commands.NewForTests(t, "--unknown-flag")

	require.Error(t, app.Run(), "Run should fail on an unknown flag")
	assert.True(t, app.UsageError(), "An unknown flag is a usage error")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string][]string{
		"Zero fetch attempts":  {"--max-attempts", "0"},
		"Zero commit attempts": {"--commit-attempts", "0"},
		"Negative workers":     {"--download-workers", "-1"},
		"Negative queue size":  {"--queue-size", "-1"},
		"Negative interval":    {"--interval", "-1s"},
		"Empty catalog path":   {"--catalog", ""},
		"Empty store path":     {"--store", ""},
	}

	for name, extra := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(csvBody))
			}))
			t.Cleanup(server.Close)

			args, _ := setupRun(t, server.URL)
			app := commands.NewForTests(t, append(args, extra...)...)

			require.Error(t, app.Run(), "Run should reject the configuration")
			assert.False(t, app.UsageError(), "Validation failures are not usage errors")
		})
	}
}
