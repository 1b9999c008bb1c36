package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	assert.Equal(t, 64, p.DenseNeurons1)
	assert.Equal(t, 32, p.DenseNeurons2)
	assert.Equal(t, 8, p.DenseNeurons3)
	assert.Equal(t, "adam", p.Optimizer)
	assert.Equal(t, 200000, p.ChunkSize)
	assert.InDelta(t, 0.0001, p.EffectiveLR(), 1e-12)
}

func TestParamsFromMap(t *testing.T) {
	p, err := ParamsFromMap(map[string]interface{}{
		"dense_neurons_1":  128,
		"dense_neurons_2":  "16",
		"dropout_rate_1":   0.25,
		"dropout_rate_3":   "0.4",
		"optimizer":        "Nadam",
		"learning_rate":    1,
		"batch_size":       float64(256),
		"kernel_initial_2": "he_uniform",
		"activation":       "tanh",
		"seed":             int64(9),
	})
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, 128, p.DenseNeurons1)
	assert.Equal(t, 16, p.DenseNeurons2)
	assert.Equal(t, 8, p.DenseNeurons3)
	assert.Equal(t, 0.25, p.DropoutRate1)
	assert.Equal(t, 0.1, p.DropoutRate2)
	assert.Equal(t, 0.4, p.DropoutRate3)
	assert.Equal(t, 256, p.BatchSize)
	assert.Equal(t, "he_uniform", p.KernelInitial2)
	assert.Equal(t, int64(9), p.Seed)
	assert.InDelta(t, 0.002, p.EffectiveLR(), 1e-12)
}

func TestParamsFromMap_Errors(t *testing.T) {
	for _, m := range []map[string]interface{}{
		{"dense_neurons_4": 3},
		{"batch_size": 1.5},
		{"epochs": "three"},
		{"learning_rate": []int{1}},
	} {
		_, err := ParamsFromMap(m)
		assert.Error(t, err, "%v", m)
	}
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Params){
		"neurons":     func(p *Params) { p.DenseNeurons2 = 0 },
		"dropout":     func(p *Params) { p.DropoutRate1 = 1 },
		"unused rate": func(p *Params) { p.DropoutRate3 = -0.1 },
		"activation":  func(p *Params) { p.Activation = "swish" },
		"optimizer":   func(p *Params) { p.Optimizer = "adagrad" },
		"initializer": func(p *Params) { p.KernelInitial3 = "orthogonal" },
		"lr":          func(p *Params) { p.LearningRate = 0 },
		"batch":       func(p *Params) { p.BatchSize = 0 },
		"epochs":      func(p *Params) { p.Epochs = 0 },
		"freq":        func(p *Params) { p.ValidationFreq = 0 },
	} {
		p := DefaultParams()
		mutate(&p)
		assert.Error(t, p.Validate(), name)
	}
}

func TestEffectiveLR(t *testing.T) {
	p := DefaultParams()
	p.LearningRate = 1
	for opt, want := range map[string]float64{
		"sgd":     0.01,
		"adam":    0.001,
		"RMSprop": 0.001,
		"nadam":   0.002,
	} {
		p.Optimizer = opt
		assert.InDelta(t, want, p.EffectiveLR(), 1e-12, opt)
	}
}
