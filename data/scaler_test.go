package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinMaxScaler(t *testing.T) {
	s := &MinMaxScaler{}
	require.NoError(t, s.Fit([]float64{2013, 2015, 2017}))
	assert.Equal(t, 0.0, s.Transform(2013))
	assert.Equal(t, 0.5, s.Transform(2015))
	assert.Equal(t, 1.0, s.Transform(2017))

	require.NoError(t, s.Fit([]float64{4, 4}))
	assert.Equal(t, 0.0, s.Transform(4))

	assert.Error(t, s.Fit(nil))
}

func TestStandardScaler(t *testing.T) {
	s := &StandardScaler{}
	require.NoError(t, s.Fit([]float64{1, 3}))
	assert.Equal(t, 2.0, s.Mean)
	assert.Equal(t, 1.0, s.Std)
	assert.Equal(t, -1.0, s.Transform(1))
	assert.Equal(t, 1.0, s.Transform(3))

	require.NoError(t, s.Fit([]float64{5, 5, 5}))
	assert.Equal(t, 0.0, s.Transform(5))
}

func TestFitTransform(t *testing.T) {
	a := Example{Features: make([]float32, NumFeatures())}
	b := Example{Features: make([]float32, NumFeatures())}
	a.Features[0], b.Features[0] = 2014, 2016 // year
	a.Features[1], b.Features[1] = 0.3, 0.7   // unscaled
	a.Features[4], b.Features[4] = -1, 3      // pickup_lat_centered

	fitted, err := FitTransform([]Example{a, b})
	require.NoError(t, err)
	assert.Len(t, fitted, 3)

	assert.Equal(t, float32(0), a.Features[0])
	assert.Equal(t, float32(1), b.Features[0])
	assert.Equal(t, float32(0.3), a.Features[1])
	assert.Equal(t, float32(-1), a.Features[4])
	assert.Equal(t, float32(1), b.Features[4])
}
