package ml

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// Keras defaults for the optimizers implemented here.
const (
	adamBeta1     = 0.9
	adamBeta2     = 0.999
	rmsRho        = 0.9
	epsilon       = 1e-7
	scheduleDecay = 0.004
)

// NewOptimizer returns the optimizer named in p over params, using the
// normalized learning rate.
func NewOptimizer(p Params, params []torch.Tensor, device torch.Device) (Optimizer, error) {
	lr := p.EffectiveLR()
	switch strings.ToLower(p.Optimizer) {
	case "sgd":
		opt := torch.SGD(lr, 0, 0, 0, false)
		opt.AddParameters(params)
		return &opt, nil
	case "adam":
		opt := torch.Adam(lr, adamBeta1, adamBeta2, 0)
		opt.AddParameters(params)
		return &opt, nil
	case "rmsprop":
		return newRMSprop(lr, params, device), nil
	case "nadam":
		return newNadam(lr, params, device), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", p.Optimizer)
}

// manual keeps per-parameter optimizer state in Go and applies each
// update with SetData, the way SimpleNN applied plain SGD. No tensor
// outlives a Step, so torch.GC never waits on optimizer state.
type manual struct {
	lr     float64
	params []torch.Tensor
	device torch.Device
}

func (m *manual) slots() [][]float64 {
	s := make([][]float64, len(m.params))
	for i, p := range m.params {
		s[i] = make([]float64, numel(p.Shape()))
	}
	return s
}

// apply sets params[i] to params[i] - lr*delta.
func (m *manual) apply(i int, delta []float32) {
	p := m.params[i]
	d := torch.NewTensor(delta).View(p.Shape()...).To(m.device, p.Dtype())
	p.SetData(torch.Sub(p.Detach(), d, float32(m.lr)))
}

// ZeroGrad resets every gradient. It must follow a Step.
func (m *manual) ZeroGrad() {
	for _, p := range m.params {
		g := p.Grad()
		g.SetData(torch.Full(g.Shape(), 0, false).To(m.device, g.Dtype()))
	}
}

func (m *manual) Close() {}

func numel(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// values copies t into Go.
func values(t torch.Tensor) []float64 {
	flat := t.Detach().To(torch.NewDevice("cpu"), t.Dtype()).View(-1)
	out := make([]float64, flat.Shape()[0])
	for i := range out {
		out[i] = float64(flat.Index(int64(i)).Item().(float32))
	}
	return out
}

// rmsprop keeps a running average of squared gradients per parameter.
type rmsprop struct {
	manual
	acc [][]float64
}

func newRMSprop(lr float64, params []torch.Tensor, device torch.Device) *rmsprop {
	o := &rmsprop{manual: manual{lr: lr, params: params, device: device}}
	o.acc = o.slots()
	return o
}

func (o *rmsprop) Step() {
	for i, p := range o.params {
		g := values(p.Grad())
		acc := o.acc[i]
		delta := make([]float32, len(g))
		for j, gj := range g {
			acc[j] = rmsRho*acc[j] + (1-rmsRho)*gj*gj
			delta[j] = float32(gj / (math.Sqrt(acc[j]) + epsilon))
		}
		o.apply(i, delta)
	}
}

// nadam is Adam with Nesterov momentum and the momentum schedule of
// Dozat (2016).
type nadam struct {
	manual
	m, v      [][]float64
	t         int
	mSchedule float64
}

func newNadam(lr float64, params []torch.Tensor, device torch.Device) *nadam {
	o := &nadam{manual: manual{lr: lr, params: params, device: device}, mSchedule: 1}
	o.m, o.v = o.slots(), o.slots()
	return o
}

func (o *nadam) Step() {
	o.t++
	t := float64(o.t)
	cache := adamBeta1 * (1 - 0.5*math.Pow(0.96, t*scheduleDecay))
	cacheNext := adamBeta1 * (1 - 0.5*math.Pow(0.96, (t+1)*scheduleDecay))
	mScheduleNew := o.mSchedule * cache
	mScheduleNext := o.mSchedule * cache * cacheNext
	o.mSchedule = mScheduleNew

	gradCoef := (1 - cache) / (1 - mScheduleNew)
	momentCoef := cacheNext / (1 - mScheduleNext)
	vCorrection := 1 - math.Pow(adamBeta2, t)

	for i, p := range o.params {
		g := values(p.Grad())
		m, v := o.m[i], o.v[i]
		delta := make([]float32, len(g))
		for j, gj := range g {
			m[j] = adamBeta1*m[j] + (1-adamBeta1)*gj
			v[j] = adamBeta2*v[j] + (1-adamBeta2)*gj*gj
			mBar := gradCoef*gj + momentCoef*m[j]
			delta[j] = float32(mBar / (math.Sqrt(v[j]/vCorrection) + epsilon))
		}
		o.apply(i, delta)
	}
}
