package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	torch "github.com/wangkuiyi/gotorch"
)

// descend takes one step on sum(w²), whose gradient is 2w.
func descend(opt Optimizer, w torch.Tensor) {
	torch.GC()
	loss := torch.Sum(torch.Mul(w, w))
	loss.Backward()
	opt.Step()
	opt.ZeroGrad()
}

func TestRMSprop_Step(t *testing.T) {
	lockThread(t)
	w := torch.Full([]int64{2, 3}, 1, true)
	opt := newRMSprop(0.01, []torch.Tensor{w}, cpu)
	defer torch.FinishGC()

	descend(opt, w)
	// acc = 0.1 * 2²
	want := 1 - 0.01*2/(math.Sqrt(0.4)+epsilon)
	got := values(w)
	require.Len(t, got, 6)
	for _, v := range got {
		assert.InDelta(t, want, v, 1e-5)
	}
	assert.InDelta(t, 0.4, opt.acc[0][0], 1e-6)

	prev := got[0]
	for i := 0; i < 5; i++ {
		descend(opt, w)
		v := values(w)[0]
		assert.Less(t, v, prev)
		prev = v
	}
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, values(w.Grad()))
}

func TestNadam_Step(t *testing.T) {
	lockThread(t)
	w := torch.Full([]int64{4}, 1, true)
	opt := newNadam(0.01, []torch.Tensor{w}, cpu)
	defer torch.FinishGC()

	descend(opt, w)
	cache := adamBeta1 * (1 - 0.5*math.Pow(0.96, scheduleDecay))
	cacheNext := adamBeta1 * (1 - 0.5*math.Pow(0.96, 2*scheduleDecay))
	m, v := 0.1*2, 0.001*4
	mBar := 2 + cacheNext/(1-cache*cacheNext)*m
	want := 1 - 0.01*mBar/(math.Sqrt(v/(1-adamBeta2))+epsilon)
	for _, got := range values(w) {
		assert.InDelta(t, want, got, 1e-5)
	}
	assert.InDelta(t, cache, opt.mSchedule, 1e-12)

	prev := values(w)[0]
	for i := 0; i < 5; i++ {
		descend(opt, w)
		v := values(w)[0]
		assert.Less(t, v, prev)
		prev = v
	}
	assert.Equal(t, 6, opt.t)
}

func TestNewOptimizer(t *testing.T) {
	w := torch.Full([]int64{2}, 1, true)
	for _, name := range []string{"sgd", "adam", "RMSprop", "nadam"} {
		p := DefaultParams()
		p.Optimizer = name
		opt, err := NewOptimizer(p, []torch.Tensor{w}, cpu)
		require.NoError(t, err, name)
		opt.Close()
	}

	p := DefaultParams()
	p.Optimizer = "adagrad"
	_, err := NewOptimizer(p, []torch.Tensor{w}, cpu)
	assert.Error(t, err)
}
