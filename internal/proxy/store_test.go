package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadRecordsMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	records, err := LoadRecords(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSaveThenLoadRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "working_proxies.json")
	want := []Record{{
		Proxy:        "10.0.0.1:8080",
		Scheme:       "http",
		LatencyMs:    250,
		EgressIP:     "203.0.113.9",
		Country:      "DE",
		SuccessCount: 4,
		FailCount:    1,
		LastTested:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}}

	require.NoError(t, SaveRecords(path, want))
	got, err := LoadRecords(path)
	require.NoError(t, err)
	require.Equal(t, want, got)

	// No temp files may be left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadRecordsRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "working_proxies.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	_, err := LoadRecords(path)
	require.ErrorContains(t, err, "parse proxy file")
}
