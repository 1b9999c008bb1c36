package ds

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mlEngineConfig = `{
	"cluster": {
		"master": ["master-0:2222"],
		"worker": ["worker-0:2222", "worker-1:2222"],
		"ps": ["ps-0:2222"]
	},
	"task": {"type": "%s", "index": %d},
	"environment": "cloud",
	"job": {"job_name": "cash_mlp"}
}`

func config(t *testing.T, role string, index int) []byte {
	raw := []byte(fmt.Sprintf(mlEngineConfig, role, index))
	require.True(t, json.Valid(raw))
	return raw
}

func TestParse_MasterBecomesChief(t *testing.T) {
	dss, rewritten, err := Parse(config(t, "master", 0))
	require.NoError(t, err)
	require.NotNil(t, rewritten)

	assert.True(t, dss.IsChief())
	assert.True(t, dss.Trains())
	assert.Equal(t, Task{Type: Chief, Index: 0}, dss.Task())
	assert.Equal(t, []string{"chief", "ps", "worker"}, dss.Roles())

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rewritten, &doc))
	cluster := doc["cluster"].(map[string]interface{})
	assert.Contains(t, cluster, "chief")
	assert.NotContains(t, cluster, "master")
	assert.Equal(t, "chief", doc["task"].(map[string]interface{})["type"])
	// untouched fields survive the rewrite
	assert.Equal(t, "cloud", doc["environment"])
	assert.Contains(t, doc, "job")
}

func TestParse_WorkerSharding(t *testing.T) {
	dss, rewritten, err := Parse(config(t, "worker", 1))
	require.NoError(t, err)
	assert.Nil(t, rewritten)

	assert.False(t, dss.IsChief())
	assert.True(t, dss.Trains())
	assert.Equal(t, 3, dss.NumWorkers())
	assert.Equal(t, 2, dss.TaskIndex())
}

func TestParse_ParameterServerDoesNotTrain(t *testing.T) {
	dss, _, err := Parse(config(t, "ps", 0))
	require.NoError(t, err)
	assert.False(t, dss.Trains())
	assert.False(t, dss.IsChief())
}

func TestParse_Errors(t *testing.T) {
	_, _, err := Parse([]byte(`{"cluster": {}`))
	assert.Error(t, err)

	_, _, err = Parse([]byte(`{"cluster": {"worker": ["a"]}, "task": {}}`))
	assert.Error(t, err)

	_, _, err = Parse(config(t, "worker", 5))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	old, had := os.LookupEnv(EnvVar)
	defer func() {
		if had {
			os.Setenv(EnvVar, old)
		} else {
			os.Unsetenv(EnvVar)
		}
	}()

	os.Unsetenv(EnvVar)
	dss, err := FromEnv()
	require.NoError(t, err)
	assert.True(t, dss.IsLocal())
	assert.True(t, dss.IsChief())
	assert.Equal(t, 1, dss.NumWorkers())
	assert.Equal(t, 0, dss.TaskIndex())

	os.Setenv(EnvVar, string(config(t, "master", 0)))
	dss, err = FromEnv()
	require.NoError(t, err)
	assert.False(t, dss.IsLocal())
	assert.NotContains(t, os.Getenv(EnvVar), `"master"`)
}
