package hypertune

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []map[string]string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]string
	s := bufio.NewScanner(f)
	for s.Scan() {
		var e map[string]string
		require.NoError(t, json.Unmarshal(s.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, s.Err())
	return entries
}

func TestNew_Environment(t *testing.T) {
	t.Setenv(MetricFileEnv, "")
	t.Setenv(TrialIDEnv, "")
	r := New()
	assert.Equal(t, DefaultMetricFile, r.Path())
	assert.Equal(t, DefaultTrialID, r.trialID)

	t.Setenv(MetricFileEnv, "/tmp/x/metrics")
	t.Setenv(TrialIDEnv, "12")
	r = New()
	assert.Equal(t, "/tmp/x/metrics", r.Path())
	assert.Equal(t, "12", r.trialID)
}

func TestReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hp", "output.metrics")
	t.Setenv(MetricFileEnv, path)
	t.Setenv(TrialIDEnv, "3")
	r := New()
	r.now = func() time.Time { return time.Unix(1500000000, 500000000) }

	require.NoError(t, r.Report("val_loss", 0.25, 3))
	require.NoError(t, r.Report("val_loss", 0.125, 5))

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]string{
		"timestamp":   "1500000000.5",
		"trial":       "3",
		"val_loss":    "0.25",
		"global_step": "3",
	}, entries[0])
	assert.Equal(t, "0.125", entries[1]["val_loss"])
	assert.Equal(t, "5", entries[1]["global_step"])
}

func TestReport_KeepsLatestEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.metrics")
	t.Setenv(MetricFileEnv, path)
	r := New()

	for i := 0; i < MaxEntries+20; i++ {
		require.NoError(t, r.Report("loss", float64(i), i))
	}
	entries := readEntries(t, path)
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, "20", entries[0]["global_step"])
	assert.Equal(t, "119", entries[MaxEntries-1]["global_step"])
}
