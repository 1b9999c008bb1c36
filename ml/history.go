package ml

import (
	"io"
	"math"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Record is one epoch of training. Validation fields are NaN for epochs
// that were not validated.
type Record struct {
	Epoch       int     `csv:"epoch"`
	Loss        float64 `csv:"loss"`
	Accuracy    float64 `csv:"accuracy"`
	F1          float64 `csv:"f1_metric"`
	ValLoss     float64 `csv:"val_loss"`
	ValAccuracy float64 `csv:"val_accuracy"`
	ValF1       float64 `csv:"val_f1_metric"`
}

func newRecord(epoch int, train Scores) *Record {
	return &Record{
		Epoch:       epoch,
		Loss:        train.Loss,
		Accuracy:    train.Accuracy,
		F1:          train.F1,
		ValLoss:     math.NaN(),
		ValAccuracy: math.NaN(),
		ValF1:       math.NaN(),
	}
}

func (r *Record) setValidation(val Scores) {
	r.ValLoss = val.Loss
	r.ValAccuracy = val.Accuracy
	r.ValF1 = val.F1
}

// Validated reports whether the epoch ran a validation pass.
func (r *Record) Validated() bool {
	return !math.IsNaN(r.ValLoss)
}

// History is the per-epoch record of a Fit.
type History struct {
	Records []*Record
}

// Epochs returns the number of epochs run.
func (h *History) Epochs() int {
	return len(h.Records)
}

// BestValLoss returns the lowest validation loss, if any epoch was
// validated.
func (h *History) BestValLoss() (float64, bool) {
	best, ok := math.Inf(1), false
	for _, r := range h.Records {
		if r.Validated() && r.ValLoss < best {
			best, ok = r.ValLoss, true
		}
	}
	return best, ok
}

// FinalLoss returns the training loss of the last epoch.
func (h *History) FinalLoss() float64 {
	if len(h.Records) == 0 {
		return math.NaN()
	}
	return h.Records[len(h.Records)-1].Loss
}

// WriteCSV writes one row per epoch with a header.
func (h *History) WriteCSV(w io.Writer) error {
	return errors.Wrap(gocsv.Marshal(h.Records, w), "writing history csv")
}

// WriteSVG plots the loss and validation loss curves.
func (h *History) WriteSVG(w io.Writer) error {
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "creating history plot")
	}
	p.Title.Text = "Model loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	var loss, valLoss plotter.XYs
	for _, r := range h.Records {
		loss = append(loss, plotter.XY{X: float64(r.Epoch), Y: r.Loss})
		if r.Validated() {
			valLoss = append(valLoss, plotter.XY{X: float64(r.Epoch), Y: r.ValLoss})
		}
	}
	for i, series := range []struct {
		name string
		xys  plotter.XYs
	}{{"train", loss}, {"validation", valLoss}} {
		if len(series.xys) == 0 {
			continue
		}
		l, err := plotter.NewLine(series.xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s loss", series.name)
		}
		l.Width = 2
		l.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(series.name, l)
	}

	writer, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "svg")
	if err != nil {
		return errors.Wrap(err, "rendering history plot")
	}
	_, err = writer.WriteTo(w)
	return errors.Wrap(err, "writing history plot")
}
