package data

import (
	"math"

	"github.com/pkg/errors"
)

// Column names shared by the warehouse table and its CSV exports.
const (
	LabelColumn     = "cash"
	PartitionColumn = "ml_partition"
)

// Partition names used in PartitionColumn.
const (
	Train      = "train"
	Validation = "validation"
	Test       = "test"
)

// Scaling selects how the CSV path rescales a feature before training.
// Rows streamed from the warehouse arrive already normalized.
type Scaling int

const (
	NoScaling Scaling = iota
	MinMax
	Standard
)

// Feature describes one model input column.
type Feature struct {
	Name    string
	Scaling Scaling
}

var days = []string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY"}

var months = []string{
	"JANUARY", "FEBRUARY", "MARCH", "APRIL", "MAY", "JUNE",
	"JULY", "AUGUST", "SEPTEMBER", "OCTOBER", "NOVEMBER", "DECEMBER",
}

var defs = buildDefs()

func buildDefs() []Feature {
	fs := []Feature{
		{Name: "year", Scaling: MinMax},
		{Name: "start_time_norm_midnight"},
		{Name: "start_time_norm_noon"},
		{Name: "pickup_long_std"},
		{Name: "pickup_lat_centered", Scaling: Standard},
		{Name: "pickup_long_centered", Scaling: Standard},
	}
	for _, d := range days {
		fs = append(fs, Feature{Name: "day_of_week_" + d})
	}
	for _, m := range months {
		fs = append(fs, Feature{Name: "month_" + m})
	}
	return fs
}

// Defs returns the model inputs in the order they appear in a feature vector.
func Defs() []Feature {
	out := make([]Feature, len(defs))
	copy(out, defs)
	return out
}

// NumFeatures is the width of the network input.
func NumFeatures() int {
	return len(defs)
}

// SelectedFields lists the columns a read session asks for: the label
// followed by every feature.
func SelectedFields() []string {
	fields := []string{LabelColumn}
	for _, f := range defs {
		fields = append(fields, f.Name)
	}
	return fields
}

// Example is one training row.
type Example struct {
	Features []float32
	Label    float32
}

// errNull marks a row holding a null (or NaN) label or feature.
var errNull = errors.New("null value")

// exampleFromRow extracts the label and features from a decoded row. It
// returns errNull when any needed value is missing.
func exampleFromRow(row map[string]interface{}) (Example, error) {
	label, err := toFloat32(row[LabelColumn])
	if err != nil {
		return Example{}, errors.Wrapf(err, "column %s", LabelColumn)
	}
	ex := Example{Label: label, Features: make([]float32, len(defs))}
	for i, f := range defs {
		v, err := toFloat32(row[f.Name])
		if err != nil {
			return Example{}, errors.Wrapf(err, "column %s", f.Name)
		}
		ex.Features[i] = v
	}
	return ex, nil
}

// toFloat32 converts an AVRO native value. Nullable columns decode as a
// single-entry map keyed by the branch type.
func toFloat32(v interface{}) (float32, error) {
	switch t := v.(type) {
	case nil:
		return 0, errNull
	case map[string]interface{}:
		if len(t) != 1 {
			return 0, errors.Errorf("unexpected union value %v", t)
		}
		for _, inner := range t {
			return toFloat32(inner)
		}
	case float64:
		if math.IsNaN(t) {
			return 0, errNull
		}
		return float32(t), nil
	case float32:
		if math.IsNaN(float64(t)) {
			return 0, errNull
		}
		return t, nil
	case int64:
		return float32(t), nil
	case int32:
		return float32(t), nil
	case int:
		return float32(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("unsupported value %v of type %T", v, v)
}
