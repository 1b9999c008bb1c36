package ml

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory() *History {
	h := &History{}
	r1 := newRecord(1, Scores{Loss: 0.7, Accuracy: 0.5, F1: 0.25})
	r2 := newRecord(2, Scores{Loss: 0.6, Accuracy: 0.75, F1: 0.5})
	r2.setValidation(Scores{Loss: 0.65, Accuracy: 0.7, F1: 0.4})
	r3 := newRecord(3, Scores{Loss: 0.5, Accuracy: 0.8, F1: 0.6})
	r3.setValidation(Scores{Loss: 0.55, Accuracy: 0.75, F1: 0.5})
	h.Records = []*Record{r1, r2, r3}
	return h
}

func TestHistory_Summary(t *testing.T) {
	h := testHistory()
	assert.Equal(t, 3, h.Epochs())
	assert.Equal(t, 0.5, h.FinalLoss())
	best, ok := h.BestValLoss()
	assert.True(t, ok)
	assert.Equal(t, 0.55, best)
	assert.False(t, h.Records[0].Validated())

	empty := &History{}
	_, ok = empty.BestValLoss()
	assert.False(t, ok)
	assert.True(t, math.IsNaN(empty.FinalLoss()))
}

func TestHistory_WriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, testHistory().WriteCSV(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "epoch,loss,accuracy,f1_metric,val_loss,val_accuracy,val_f1_metric", lines[0])
	assert.Equal(t, "1,0.7,0.5,0.25,NaN,NaN,NaN", lines[1])
	assert.Equal(t, "2,0.6,0.75,0.5,0.65,0.7,0.4", lines[2])
}

func TestHistory_WriteSVG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, testHistory().WriteSVG(&buf))
	assert.Contains(t, buf.String(), "<svg")
	assert.Contains(t, buf.String(), "Model loss")
}

func TestExportDir(t *testing.T) {
	assert.Equal(t, "gs://b/jobs/1", ExportDir("gs://b/jobs/1", "other"))
	assert.Equal(t, "gs://bucket/jobs/1", ExportDir("/jobs/1/", "bucket"))
	assert.Equal(t, "jobs/1", ExportDir("jobs/1", ""))
}
