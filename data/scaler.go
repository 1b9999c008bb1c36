package data

import (
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// Scaler rescales one column in place.
type Scaler interface {
	Fit(col []float64) error
	Transform(v float64) float64
}

// MinMaxScaler maps the fitted range onto [0, 1].
type MinMaxScaler struct {
	Min, Max float64
}

func (s *MinMaxScaler) Fit(col []float64) error {
	var err error
	if s.Min, err = stats.Min(col); err != nil {
		return errors.Wrap(err, "min-max scaler")
	}
	if s.Max, err = stats.Max(col); err != nil {
		return errors.Wrap(err, "min-max scaler")
	}
	return nil
}

// Transform maps a constant column to 0.
func (s *MinMaxScaler) Transform(v float64) float64 {
	if s.Max == s.Min {
		return 0
	}
	return (v - s.Min) / (s.Max - s.Min)
}

// StandardScaler centers on the fitted mean and divides by the population
// standard deviation.
type StandardScaler struct {
	Mean, Std float64
}

func (s *StandardScaler) Fit(col []float64) error {
	var err error
	if s.Mean, err = stats.Mean(col); err != nil {
		return errors.Wrap(err, "standard scaler")
	}
	if s.Std, err = stats.StandardDeviationPopulation(col); err != nil {
		return errors.Wrap(err, "standard scaler")
	}
	return nil
}

// Transform only centers a column with zero variance.
func (s *StandardScaler) Transform(v float64) float64 {
	if s.Std == 0 {
		return v - s.Mean
	}
	return (v - s.Mean) / s.Std
}

// NewScaler returns the scaler for a scaling kind, or nil for NoScaling.
func NewScaler(kind Scaling) Scaler {
	switch kind {
	case MinMax:
		return &MinMaxScaler{}
	case Standard:
		return &StandardScaler{}
	}
	return nil
}

// FitTransform fits one scaler per scaled feature on all examples and
// applies it. It returns the fitted scalers keyed by feature name.
func FitTransform(examples []Example) (map[string]Scaler, error) {
	fitted := make(map[string]Scaler)
	if len(examples) == 0 {
		return fitted, nil
	}
	for i, f := range defs {
		s := NewScaler(f.Scaling)
		if s == nil {
			continue
		}
		col := make([]float64, len(examples))
		for j, ex := range examples {
			col[j] = float64(ex.Features[i])
		}
		if err := s.Fit(col); err != nil {
			return nil, errors.Wrapf(err, "fitting %s", f.Name)
		}
		for _, ex := range examples {
			ex.Features[i] = float32(s.Transform(float64(ex.Features[i])))
		}
		fitted[f.Name] = s
	}
	return fitted, nil
}
