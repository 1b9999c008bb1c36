package ml

import (
	"fmt"
	"math"
)

// Scores summarize a model over one pass of a partition.
type Scores struct {
	Loss      float64
	Accuracy  float64
	F1        float64
	Precision float64
	Recall    float64
	Rows      int64
}

func (s Scores) String() string {
	return fmt.Sprintf("loss %.4f, accuracy %.4f, f1 %.4f, precision %.4f, recall %.4f",
		s.Loss, s.Accuracy, s.F1, s.Precision, s.Recall)
}

// scoreKeeper accumulates per-batch loss, accuracy and F1 weighted by batch
// size, plus a confusion matrix over every row for precision and recall.
type scoreKeeper struct {
	rows                        int64
	loss, accuracy, f1          float64
	truePos, falsePos, falseNeg int64
}

func (k *scoreKeeper) add(loss float64, preds, labels []float32) {
	n := float64(len(labels))
	k.rows += int64(len(labels))
	k.loss += loss * n
	k.accuracy += batchAccuracy(preds, labels) * n
	k.f1 += batchF1(preds, labels) * n

	for i, y := range labels {
		p := round(preds[i])
		switch {
		case p == 1 && y == 1:
			k.truePos++
		case p == 1:
			k.falsePos++
		case y == 1:
			k.falseNeg++
		}
	}
}

func (k *scoreKeeper) scores() Scores {
	if k.rows == 0 {
		return Scores{}
	}
	n := float64(k.rows)
	tp := float64(k.truePos)
	return Scores{
		Loss:      k.loss / n,
		Accuracy:  k.accuracy / n,
		F1:        k.f1 / n,
		Precision: tp / (tp + float64(k.falsePos) + epsilon),
		Recall:    tp / (tp + float64(k.falseNeg) + epsilon),
		Rows:      k.rows,
	}
}

// round rounds half to even, so 0.5 is a negative prediction.
func round(v float32) float64 {
	return math.RoundToEven(float64(v))
}

func clip01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// batchAccuracy is the share of rows whose rounded prediction equals the
// label.
func batchAccuracy(preds, labels []float32) float64 {
	if len(labels) == 0 {
		return 0
	}
	var correct int
	for i, y := range labels {
		if round(preds[i]) == float64(y) {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}

// batchF1 is the F1 score of one batch computed from rounded predictions.
// A batch without positives scores 0.
func batchF1(preds, labels []float32) float64 {
	var truePos, possible, predicted float64
	for i, y := range labels {
		truePos += math.RoundToEven(clip01(float64(y) * float64(preds[i])))
		possible += math.RoundToEven(clip01(float64(y)))
		predicted += math.RoundToEven(clip01(float64(preds[i])))
	}
	precision := truePos / (predicted + epsilon)
	recall := truePos / (possible + epsilon)
	return 2 * precision * recall / (precision + recall + epsilon)
}
