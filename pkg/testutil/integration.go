package testutil

import (
	"path/filepath"
	"strings"
	"testing"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// TempDatabase returns the path of a fresh SQLite database file that is
// removed with the test's temp directory.
func TempDatabase(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "warehouse.db")
}

// Input joins protocol lines into one newline-separated document.
func Input(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}
