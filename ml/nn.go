package ml

import (
	"encoding/gob"
	"io"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	"github.com/wangkuiyi/gotorch/nn/initializer"

	"cashmlp/data"
	"cashmlp/util"
)

// Keras defaults for the batch normalization layer. Keras counts momentum
// as the weight of the running average; libtorch as the weight of the new
// batch.
const (
	bnEpsilon  = 1e-3
	bnMomentum = 1 - 0.99
)

// MLPModule holds the layers of the cash classifier. Only modules live
// here so the state dict covers exactly the trained weights.
type MLPModule struct {
	nn.Module
	FC1 *nn.LinearModule
	BN1 *nn.BatchNorm2dModule
	FC2 *nn.LinearModule
	FC3 *nn.LinearModule
	Out *nn.LinearModule
}

// MLP builds the layers for p with every weight initialized.
func MLP(p Params) *MLPModule {
	r := &MLPModule{
		FC1: nn.Linear(int64(data.NumFeatures()), int64(p.DenseNeurons1), true),
		BN1: nn.BatchNorm2d(int64(p.DenseNeurons1), bnEpsilon, bnMomentum, true, true),
		FC2: nn.Linear(int64(p.DenseNeurons1), int64(p.DenseNeurons2), true),
		FC3: nn.Linear(int64(p.DenseNeurons2), int64(p.DenseNeurons3), true),
		Out: nn.Linear(int64(p.DenseNeurons3), 1, true),
	}
	r.Init(r)

	kernels := []string{p.KernelInitial1, p.KernelInitial2, p.KernelInitial3, "glorot_uniform"}
	for i, l := range []*nn.LinearModule{r.FC1, r.FC2, r.FC3, r.Out} {
		initializers[strings.ToLower(kernels[i])](&l.Weight)
		initializer.Zeros(&l.Bias)
	}
	return r
}

// Network runs an MLPModule with the activation and dropout of its Params.
type Network struct {
	Net    *MLPModule
	params Params
	act    activation
	device torch.Device
	rng    *rand.Rand
}

// NewNetwork builds a freshly initialized network on device.
func NewNetwork(p Params, device torch.Device) (*Network, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	initializer.ManualSeed(p.Seed)
	n := &Network{
		Net:    MLP(p),
		params: p,
		act:    activations[strings.ToLower(p.Activation)],
		device: device,
		rng:    rand.New(rand.NewSource(p.Seed)),
	}
	n.Net.To(device)
	return n, nil
}

// Train switches between training mode, where dropout is active and batch
// norm tracks batch statistics, and inference mode.
func (n *Network) Train(on bool) {
	n.Net.Train(on)
}

// Forward returns the predicted probability of a cash payment, shaped
// [batch, 1].
func (n *Network) Forward(x torch.Tensor) torch.Tensor {
	rows := x.Shape()[0]
	width := int64(n.params.DenseNeurons1)

	h := n.Net.FC1.Forward(x)
	// libtorch refuses batch statistics over a single row
	if n.Net.IsTraining() && rows == 1 {
		n.Net.BN1.Train(false)
		defer n.Net.BN1.Train(true)
	}
	h = n.Net.BN1.Forward(h.View(-1, width, 1, 1)).View(-1, width)
	h = n.dropout(n.act(h), n.params.DropoutRate1)
	h = n.dropout(n.act(n.Net.FC2.Forward(h)), n.params.DropoutRate2)
	h = n.act(n.Net.FC3.Forward(h))
	return torch.Sigmoid(n.Net.Out.Forward(h))
}

// dropout zeroes units with probability rate and scales the survivors by
// 1/(1-rate). It is the identity outside training mode.
func (n *Network) dropout(h torch.Tensor, rate float64) torch.Tensor {
	if rate == 0 || !n.Net.IsTraining() {
		return h
	}
	shape := h.Shape()
	keep := float32(1 / (1 - rate))
	mask := make([][]float32, shape[0])
	for i := range mask {
		mask[i] = make([]float32, shape[1])
		for j := range mask[i] {
			if n.rng.Float64() >= rate {
				mask[i][j] = keep
			}
		}
	}
	return torch.Mul(h, torch.NewTensor(mask).To(n.device, h.Dtype()))
}

type activation func(torch.Tensor) torch.Tensor

var activations = map[string]activation{
	"relu":    torch.Relu,
	"tanh":    torch.Tanh,
	"sigmoid": torch.Sigmoid,
	"linear":  func(x torch.Tensor) torch.Tensor { return x },
}

// kernelInit fills a linear layer's weight, shaped [out, in].
type kernelInit func(w *torch.Tensor)

var initializers = map[string]kernelInit{
	"normal":  func(w *torch.Tensor) { initializer.Normal(w, 0, 0.05) },
	"uniform": func(w *torch.Tensor) { initializer.Uniform(w, -0.05, 0.05) },
	"zeros":   func(w *torch.Tensor) { fill(w, 0) },
	"ones":    func(w *torch.Tensor) { fill(w, 1) },
	"glorot_normal": func(w *torch.Tensor) {
		in, out := fans(*w)
		initializer.Normal(w, 0, math.Sqrt(2/(in+out)))
	},
	"glorot_uniform": func(w *torch.Tensor) {
		in, out := fans(*w)
		limit := math.Sqrt(6 / (in + out))
		initializer.Uniform(w, -limit, limit)
	},
	"he_normal": func(w *torch.Tensor) {
		in, _ := fans(*w)
		initializer.Normal(w, 0, math.Sqrt(2/in))
	},
	"he_uniform": func(w *torch.Tensor) {
		in, _ := fans(*w)
		limit := math.Sqrt(6 / in)
		initializer.Uniform(w, -limit, limit)
	},
	"lecun_normal": func(w *torch.Tensor) {
		in, _ := fans(*w)
		initializer.Normal(w, 0, math.Sqrt(1/in))
	},
	"lecun_uniform": func(w *torch.Tensor) {
		in, _ := fans(*w)
		limit := math.Sqrt(3 / in)
		initializer.Uniform(w, -limit, limit)
	},
}

func fans(w torch.Tensor) (in, out float64) {
	shape := w.Shape()
	return float64(shape[1]), float64(shape[0])
}

func fill(w *torch.Tensor, v float32) {
	w.SetData(torch.Full(w.Shape(), v, true))
}

// saveModel writes the gob-encoded state dict. The module is moved to the
// CPU for encoding and back to device afterwards.
func saveModel(net *MLPModule, device torch.Device, w io.Writer) error {
	net.To(torch.NewDevice("cpu"))
	defer net.To(device)
	if err := gob.NewEncoder(w).Encode(net.StateDict()); err != nil {
		return errors.Wrap(err, "encoding model")
	}
	return nil
}

// loadModel reads a state dict written by saveModel into a network built
// from p.
func loadModel(r io.Reader, p Params, device torch.Device) (*Network, error) {
	states := make(map[string]torch.Tensor)
	if err := gob.NewDecoder(r).Decode(&states); err != nil {
		return nil, errors.Wrap(err, "decoding model")
	}
	util.Debugf("loaded state dict with %d tensors", len(states))

	n, err := NewNetwork(p, torch.NewDevice("cpu"))
	if err != nil {
		return nil, err
	}
	for name, want := range n.Net.StateDict() {
		got, ok := states[name]
		if !ok {
			return nil, errors.Errorf("model has no %s", name)
		}
		if !sameShape(got.Shape(), want.Shape()) {
			return nil, errors.Errorf("%s has shape %v, the network expects %v", name, got.Shape(), want.Shape())
		}
	}
	if err := n.Net.SetStateDict(states); err != nil {
		return nil, errors.Wrap(err, "restoring state dict")
	}
	n.device = device
	n.Net.To(device)
	return n, nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
