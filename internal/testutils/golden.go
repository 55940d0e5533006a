// Package testutils provides test helpers.
package testutils

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var update = flag.Bool("update", false, "update golden files")

// GoldenPath returns the path to the golden file for the current test.
func GoldenPath(t *testing.T) string {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return filepath.Join("testdata", "golden", strings.ToLower(name))
}

// LoadWithUpdateFromGolden returns the golden file content for the current
// test, first refreshing it with got when called with -update.
func LoadWithUpdateFromGolden(t *testing.T, got string) string {
	t.Helper()

	goldenPath := GoldenPath(t)
	if *update {
		t.Logf("updating golden file %s", goldenPath)
		require.NoError(t, os.MkdirAll(filepath.Dir(goldenPath), 0750), "Cannot create golden directory")
		require.NoError(t, os.WriteFile(goldenPath, []byte(got), 0600), "Cannot write golden file")
	}

	want, err := os.ReadFile(goldenPath)
	require.NoError(t, err, "Cannot load golden file")

	return string(want)
}
