// Package hypertune reports tuning metrics to the hyperparameter tuning
// service, which tails a JSON-lines file on the trial's machine.
package hypertune

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cashmlp/util"
)

// Environment read by the reporter and its defaults.
const (
	MetricFileEnv     = "CLOUD_ML_HP_METRIC_FILE"
	TrialIDEnv        = "CLOUD_ML_TRIAL_ID"
	DefaultMetricFile = "/tmp/hypertune/output.metrics"
	DefaultTrialID    = "0"
	// MaxEntries bounds the history kept in the metric file.
	MaxEntries = 100
)

// Reporter appends metric reports to the metric file. Each report rewrites
// the whole file with the most recent MaxEntries reports.
type Reporter struct {
	path    string
	trialID string
	now     func() time.Time

	mu      sync.Mutex
	entries []map[string]string
}

// New returns a reporter configured from the environment.
func New() *Reporter {
	path := os.Getenv(MetricFileEnv)
	if path == "" {
		path = DefaultMetricFile
	}
	trial := os.Getenv(TrialIDEnv)
	if trial == "" {
		trial = DefaultTrialID
	}
	return &Reporter{path: path, trialID: trial, now: time.Now}
}

// Path returns the metric file written by the reporter.
func (r *Reporter) Path() string {
	return r.path
}

// Report records value under tag at globalStep.
func (r *Reporter) Report(tag string, value float64, globalStep int) error {
	entry := map[string]string{
		"timestamp":   strconv.FormatFloat(float64(r.now().UnixNano())/1e9, 'f', -1, 64),
		"trial":       r.trialID,
		tag:           strconv.FormatFloat(value, 'g', -1, 64),
		"global_step": strconv.Itoa(globalStep),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > MaxEntries {
		r.entries = r.entries[len(r.entries)-MaxEntries:]
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", r.path)
	}
	f, err := os.Create(r.path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", r.path)
	}
	enc := json.NewEncoder(f)
	for _, e := range r.entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return errors.Wrapf(err, "writing %s", r.path)
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", r.path)
	}
	util.Debugf("reported %s=%v at step %d to %s", tag, value, globalStep, r.path)
	return nil
}
