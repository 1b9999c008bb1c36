package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchAccuracy(t *testing.T) {
	preds := []float32{0.9, 0.5, 0.2, 0.51}
	labels := []float32{1, 0, 1, 1}
	assert.Equal(t, 0.75, batchAccuracy(preds, labels))
	assert.Equal(t, 0.0, batchAccuracy(nil, nil))
}

func TestBatchF1(t *testing.T) {
	// tp 2, predicted 3, possible 4
	preds := []float32{0.9, 0.8, 0.7, 0.1, 0.2, 0.3}
	labels := []float32{1, 1, 0, 1, 1, 0}
	precision, recall := 2.0/3, 0.5
	assert.InDelta(t, 2*precision*recall/(precision+recall), batchF1(preds, labels), 1e-6)

	// no positives at all
	assert.InDelta(t, 0, batchF1([]float32{0.1, 0.2}, []float32{0, 0}), 1e-9)
}

func TestScoreKeeper(t *testing.T) {
	var k scoreKeeper
	assert.Equal(t, Scores{}, k.scores())

	k.add(1.0, []float32{0.9, 0.9, 0.9}, []float32{1, 1, 0})
	k.add(0.5, []float32{0.1}, []float32{1})

	s := k.scores()
	assert.Equal(t, int64(4), s.Rows)
	assert.InDelta(t, (1.0*3+0.5*1)/4, s.Loss, 1e-9)
	assert.InDelta(t, (2.0/3*3+0)/4, s.Accuracy, 1e-9)
	// two true positives, one false positive, one false negative
	assert.InDelta(t, 2.0/3, s.Precision, 1e-6)
	assert.InDelta(t, 2.0/3, s.Recall, 1e-6)
	assert.Contains(t, s.String(), "loss 0.8750")
}

func TestEarlyStopping(t *testing.T) {
	s := newEarlyStopping(2)
	assert.False(t, s.update(0.5))
	assert.False(t, s.update(0.6))
	assert.False(t, s.update(0.4))
	assert.False(t, s.update(0.4))
	assert.True(t, s.update(0.45))
	assert.Equal(t, 0.4, s.best)

	s = newEarlyStopping(0)
	assert.False(t, s.update(1))
	assert.True(t, s.update(1))
}
