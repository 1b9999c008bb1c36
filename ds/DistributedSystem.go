package ds

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// EnvVar holds the cluster description injected by the training service.
const EnvVar = "TF_CONFIG"

// Task roles.
const (
	Chief     = "chief"
	Master    = "master"
	Worker    = "worker"
	PS        = "ps"
	Evaluator = "evaluator"
)

// Task identifies this replica inside the cluster.
type Task struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// Config is the part of the TF_CONFIG document the job interprets. Other
// fields are carried through untouched when the document is rewritten.
type Config struct {
	Cluster     map[string][]string `json:"cluster"`
	Task        Task                `json:"task"`
	Environment string              `json:"environment,omitempty"`
}

// DistributedSystem is the view of the cluster this replica trains in. It
// decides which share of the read streams the replica consumes and whether
// it owns the exported artifacts.
type DistributedSystem struct {
	config Config
	local  bool
}

// Local returns the single-replica system used when no TF_CONFIG is set.
func Local() *DistributedSystem {
	return &DistributedSystem{
		config: Config{Task: Task{Type: Chief}},
		local:  true,
	}
}

// FromEnv reads TF_CONFIG. When the service names the coordinator "master",
// it is renamed to "chief" and, if this replica is the master, TF_CONFIG is
// rewritten so child processes see the same view.
func FromEnv() (*DistributedSystem, error) {
	raw := os.Getenv(EnvVar)
	if raw == "" {
		return Local(), nil
	}
	dss, rewritten, err := Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	if rewritten != nil {
		if err := os.Setenv(EnvVar, string(rewritten)); err != nil {
			return nil, errors.Wrap(err, "rewriting TF_CONFIG")
		}
	}
	return dss, nil
}

// Parse decodes a TF_CONFIG document. The returned bytes are non-nil only
// when the task itself was "master" and the document had to be rewritten.
func Parse(raw []byte) (*DistributedSystem, []byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, errors.Wrap(err, "decoding TF_CONFIG")
	}
	var config Config
	if err := json.Unmarshal(raw, &config); err != nil {
		return nil, nil, errors.Wrap(err, "decoding TF_CONFIG")
	}
	if config.Cluster == nil {
		config.Cluster = make(map[string][]string)
	}
	if config.Task.Type == "" {
		return nil, nil, errors.New("TF_CONFIG has no task type")
	}
	if config.Task.Index < 0 {
		return nil, nil, errors.Errorf("TF_CONFIG task index %d is negative", config.Task.Index)
	}

	if master, ok := config.Cluster[Master]; ok {
		config.Cluster[Chief] = master
		delete(config.Cluster, Master)
	}

	var rewritten []byte
	if config.Task.Type == Master {
		config.Task.Type = Chief
		doc["cluster"] = config.Cluster
		doc["task"] = config.Task
		var err error
		if rewritten, err = json.Marshal(doc); err != nil {
			return nil, nil, errors.Wrap(err, "encoding TF_CONFIG")
		}
	}

	if n := len(config.Cluster[config.Task.Type]); n > 0 && config.Task.Index >= n {
		return nil, nil, errors.Errorf("task %s:%d is outside a cluster of %d %s replicas",
			config.Task.Type, config.Task.Index, n, config.Task.Type)
	}

	return &DistributedSystem{config: config}, rewritten, nil
}

// Task returns this replica's role and index.
func (dss *DistributedSystem) Task() Task {
	return dss.config.Task
}

// IsLocal reports whether the job runs without a cluster description.
func (dss *DistributedSystem) IsLocal() bool {
	return dss.local
}

// IsChief reports whether this replica coordinates the job.
func (dss *DistributedSystem) IsChief() bool {
	return dss.local || dss.config.Task.Type == Chief
}

// Trains reports whether this replica consumes training data at all.
// Parameter servers and evaluators do not.
func (dss *DistributedSystem) Trains() bool {
	switch dss.config.Task.Type {
	case Chief, Worker:
		return true
	}
	return false
}

// NumWorkers counts the training replicas: the chief plus every worker.
func (dss *DistributedSystem) NumWorkers() int {
	if dss.local {
		return 1
	}
	n := len(dss.config.Cluster[Chief]) + len(dss.config.Cluster[Worker])
	if n == 0 {
		return 1
	}
	return n
}

// TaskIndex is this replica's position among the training replicas. The
// chief comes first, then workers in order.
func (dss *DistributedSystem) TaskIndex() int {
	switch dss.config.Task.Type {
	case Worker:
		idx := dss.config.Task.Index
		if len(dss.config.Cluster[Chief]) > 0 {
			idx++
		}
		return idx
	default:
		return 0
	}
}

// Roles lists the cluster roles present, sorted.
func (dss *DistributedSystem) Roles() []string {
	var roles []string
	for role := range dss.config.Cluster {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
