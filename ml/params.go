package ml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params are the tunable hyperparameters of the cash classifier.
type Params struct {
	DenseNeurons1  int
	DenseNeurons2  int
	DenseNeurons3  int
	Activation     string
	DropoutRate1   float64
	DropoutRate2   float64
	DropoutRate3   float64
	Optimizer      string
	LearningRate   float64
	ChunkSize      int
	BatchSize      int
	Epochs         int
	ValidationFreq int
	KernelInitial1 string
	KernelInitial2 string
	KernelInitial3 string
	Patience       int
	Seed           int64
}

// DefaultParams returns the hyperparameters used when nothing is tuned.
func DefaultParams() Params {
	return Params{
		DenseNeurons1:  64,
		DenseNeurons2:  32,
		DenseNeurons3:  8,
		Activation:     "relu",
		DropoutRate1:   0.1,
		DropoutRate2:   0.1,
		DropoutRate3:   0.1,
		Optimizer:      "adam",
		LearningRate:   0.1,
		ChunkSize:      200000,
		BatchSize:      64,
		Epochs:         3,
		ValidationFreq: 1,
		KernelInitial1: "normal",
		KernelInitial2: "normal",
		KernelInitial3: "normal",
		Patience:       50,
		Seed:           1,
	}
}

// ParamsFromMap overlays a flat mapping of hyperparameters, keyed
// dense_neurons_1, dropout_rate_2 and so on, onto the defaults. Numbers may
// be given as strings.
func ParamsFromMap(m map[string]interface{}) (Params, error) {
	p := DefaultParams()
	for k, v := range m {
		var err error
		switch strings.ToLower(k) {
		case "dense_neurons_1":
			p.DenseNeurons1, err = toInt(v)
		case "dense_neurons_2":
			p.DenseNeurons2, err = toInt(v)
		case "dense_neurons_3":
			p.DenseNeurons3, err = toInt(v)
		case "activation":
			p.Activation = fmt.Sprint(v)
		case "dropout_rate_1":
			p.DropoutRate1, err = toFloat(v)
		case "dropout_rate_2":
			p.DropoutRate2, err = toFloat(v)
		case "dropout_rate_3":
			p.DropoutRate3, err = toFloat(v)
		case "optimizer":
			p.Optimizer = fmt.Sprint(v)
		case "learning_rate":
			p.LearningRate, err = toFloat(v)
		case "chunk_size":
			p.ChunkSize, err = toInt(v)
		case "batch_size":
			p.BatchSize, err = toInt(v)
		case "epochs":
			p.Epochs, err = toInt(v)
		case "validation_freq":
			p.ValidationFreq, err = toInt(v)
		case "kernel_initial_1":
			p.KernelInitial1 = fmt.Sprint(v)
		case "kernel_initial_2":
			p.KernelInitial2 = fmt.Sprint(v)
		case "kernel_initial_3":
			p.KernelInitial3 = fmt.Sprint(v)
		case "patience":
			p.Patience, err = toInt(v)
		case "seed":
			var seed int
			seed, err = toInt(v)
			p.Seed = int64(seed)
		default:
			return Params{}, errors.Errorf("unknown hyperparameter %q", k)
		}
		if err != nil {
			return Params{}, errors.Wrapf(err, "hyperparameter %s", k)
		}
	}
	return p, nil
}

func toInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, errors.Errorf("%v is not an integer", t)
		}
		return int(t), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	}
	return 0, errors.Errorf("cannot use %v (%T) as an integer", v, v)
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, errors.Errorf("cannot use %v (%T) as a number", v, v)
}

// Validate checks the ranges and names of every hyperparameter.
func (p Params) Validate() error {
	for i, n := range []int{p.DenseNeurons1, p.DenseNeurons2, p.DenseNeurons3} {
		if n < 1 {
			return errors.Errorf("dense_neurons_%d must be positive, got %d", i+1, n)
		}
	}
	for i, r := range []float64{p.DropoutRate1, p.DropoutRate2, p.DropoutRate3} {
		if r < 0 || r >= 1 {
			return errors.Errorf("dropout_rate_%d must be in [0, 1), got %v", i+1, r)
		}
	}
	for i, k := range []string{p.KernelInitial1, p.KernelInitial2, p.KernelInitial3} {
		if _, ok := initializers[strings.ToLower(k)]; !ok {
			return errors.Errorf("kernel_initial_%d: unknown initializer %q", i+1, k)
		}
	}
	if _, ok := activations[strings.ToLower(p.Activation)]; !ok {
		return errors.Errorf("unknown activation %q", p.Activation)
	}
	if _, err := lrNormalizer(p.Optimizer); err != nil {
		return err
	}
	switch {
	case p.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %v", p.LearningRate)
	case p.BatchSize < 1:
		return errors.Errorf("batch_size must be positive, got %d", p.BatchSize)
	case p.Epochs < 1:
		return errors.Errorf("epochs must be positive, got %d", p.Epochs)
	case p.ValidationFreq < 1:
		return errors.Errorf("validation_freq must be positive, got %d", p.ValidationFreq)
	case p.ChunkSize < 0:
		return errors.Errorf("chunk_size must not be negative, got %d", p.ChunkSize)
	case p.Patience < 0:
		return errors.Errorf("patience must not be negative, got %d", p.Patience)
	}
	return nil
}

// EffectiveLR is the learning rate handed to the optimizer. The tuned rate
// is on a common scale and divided down per optimizer.
func (p Params) EffectiveLR() float64 {
	div, err := lrNormalizer(p.Optimizer)
	if err != nil {
		return p.LearningRate
	}
	return p.LearningRate / div
}

func lrNormalizer(optimizer string) (float64, error) {
	switch strings.ToLower(optimizer) {
	case "sgd":
		return 100, nil
	case "adam", "rmsprop":
		return 1000, nil
	case "nadam":
		return 500, nil
	}
	return 0, errors.Errorf("unknown optimizer %q", optimizer)
}
