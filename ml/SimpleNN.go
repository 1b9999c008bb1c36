package ml

import (
	"context"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"

	"cashmlp/data"
	"cashmlp/util"
)

// SimpleNN is the cash payment classifier: an MLP with a sigmoid output
// trained on binary crossentropy.
type SimpleNN struct {
	params Params
	net    *Network
	opt    Optimizer
	device torch.Device
}

// MakeSimpleNN builds an untrained classifier on device.
func MakeSimpleNN(p Params, device torch.Device) (*SimpleNN, error) {
	net, err := NewNetwork(p, device)
	if err != nil {
		return nil, err
	}
	return &SimpleNN{params: p, net: net, device: device}, nil
}

// Params returns the hyperparameters the classifier was built with.
func (model *SimpleNN) Params() Params {
	return model.params
}

// Close releases the optimizer.
func (model *SimpleNN) Close() {
	if model.opt != nil {
		model.opt.Close()
		model.opt = nil
	}
}

// Fit trains for up to Params.Epochs epochs, validating every
// ValidationFreq epochs and stopping early once the validation loss has
// not improved for Patience validated epochs. The history is returned even
// when training fails part way.
func (model *SimpleNN) Fit(ctx context.Context, load LoaderFunc) (*History, error) {
	if model.opt == nil {
		opt, err := NewOptimizer(model.params, model.net.Net.Parameters(), model.device)
		if err != nil {
			return nil, err
		}
		model.opt = opt
	}

	history := &History{}
	stopper := newEarlyStopping(model.params.Patience)
	for epoch := 1; epoch <= model.params.Epochs; epoch++ {
		startTime := time.Now()
		train, err := model.trainEpoch(ctx, load)
		if err != nil {
			return history, errors.Wrapf(err, "training epoch %d", epoch)
		}
		if train.Rows == 0 {
			return history, errors.Errorf("training epoch %d saw no rows", epoch)
		}
		elapsed := time.Since(startTime)
		rec := newRecord(epoch, train)

		if epoch%model.params.ValidationFreq == 0 {
			val, err := model.Evaluate(ctx, load, data.Validation)
			if err != nil {
				return history, errors.Wrapf(err, "validating epoch %d", epoch)
			}
			if val.Rows > 0 {
				rec.setValidation(val)
			}
		}
		history.Records = append(history.Records, rec)

		throughput := float64(train.Rows) / elapsed.Seconds()
		util.Logger.Printf("Train Epoch: %d, Loss: %.4f, Accuracy: %.4f, F1: %.4f, rows: %s, throughput: %s rows/sec",
			epoch, rec.Loss, rec.Accuracy, rec.F1, humanize.Comma(train.Rows), humanize.Commaf(math.Round(throughput)))
		if rec.Validated() {
			util.Logger.Printf("Validation Epoch: %d, Loss: %.4f, Accuracy: %.4f, F1: %.4f",
				epoch, rec.ValLoss, rec.ValAccuracy, rec.ValF1)
		}
		util.PlotLogger.Println(epoch, rec.Loss, rec.Accuracy, rec.F1, rec.ValLoss, rec.ValAccuracy, rec.ValF1, elapsed.Seconds())

		if rec.Validated() && stopper.update(rec.ValLoss) {
			util.Logger.Printf("Epoch %d: early stopping, val_loss has not improved on %.4f for %d validated epochs",
				epoch, stopper.best, stopper.wait)
			break
		}
	}
	return history, nil
}

// earlyStopping watches a loss that should decrease.
type earlyStopping struct {
	patience int
	best     float64
	wait     int
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, best: math.Inf(1)}
}

// update records one observation and reports whether to stop.
func (s *earlyStopping) update(loss float64) bool {
	if loss < s.best {
		s.best, s.wait = loss, 0
		return false
	}
	s.wait++
	return s.wait >= s.patience
}

func (model *SimpleNN) trainEpoch(ctx context.Context, load LoaderFunc) (Scores, error) {
	loader, err := load(ctx, data.Train)
	if err != nil {
		return Scores{}, err
	}
	defer loader.Close()
	defer torch.FinishGC()

	model.net.Train(true)
	var keeper scoreKeeper
	for loader.Scan() {
		torch.GC()
		features, labels := loader.Minibatch()
		x, y := model.tensors(features, labels)
		pred := model.net.Forward(x)
		loss := F.BinaryCrossEntropy(pred, y, torch.Tensor{}, "mean")
		loss.Backward()
		model.opt.Step()
		model.opt.ZeroGrad()
		keeper.add(float64(loss.Item().(float32)), model.predictions(pred), labels)
	}
	if err := loader.Err(); err != nil {
		return Scores{}, err
	}
	util.Debugf("training pass delivered %s rows", humanize.Comma(loader.Rows()))
	return keeper.scores(), nil
}

// Evaluate scores the classifier on one pass over partition in inference
// mode.
func (model *SimpleNN) Evaluate(ctx context.Context, load LoaderFunc, partition string) (Scores, error) {
	loader, err := load(ctx, partition)
	if err != nil {
		return Scores{}, err
	}
	defer loader.Close()
	defer torch.FinishGC()

	model.net.Train(false)
	defer model.net.Train(true)
	var keeper scoreKeeper
	for loader.Scan() {
		torch.GC()
		features, labels := loader.Minibatch()
		x, y := model.tensors(features, labels)
		pred := model.net.Forward(x)
		loss := F.BinaryCrossEntropy(pred, y, torch.Tensor{}, "mean")
		keeper.add(float64(loss.Item().(float32)), model.predictions(pred), labels)
	}
	if err := loader.Err(); err != nil {
		return Scores{}, errors.Wrapf(err, "evaluating on %s", partition)
	}
	util.Debugf("%s pass delivered %s rows", partition, humanize.Comma(loader.Rows()))
	return keeper.scores(), nil
}

// tensors moves a minibatch to the device, labels shaped [batch, 1] like
// the network output.
func (model *SimpleNN) tensors(features [][]float32, labels []float32) (x, y torch.Tensor) {
	column := make([][]float32, len(labels))
	for i, l := range labels {
		column[i] = []float32{l}
	}
	x = torch.NewTensor(features)
	y = torch.NewTensor(column)
	return x.To(model.device, x.Dtype()), y.To(model.device, y.Dtype())
}

// predictions copies the network output back into Go.
func (model *SimpleNN) predictions(pred torch.Tensor) []float32 {
	flat := pred.Detach().To(torch.NewDevice("cpu"), pred.Dtype()).View(-1)
	out := make([]float32, flat.Shape()[0])
	for i := range out {
		out[i] = flat.Index(int64(i)).Item().(float32)
	}
	return out
}
