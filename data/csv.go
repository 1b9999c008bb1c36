package data

import (
	"io"
	"math"
	"math/rand"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"cashmlp/util"
)

// Partitions holds a CSV export split by ml_partition.
type Partitions struct {
	Train      []Example
	Validation []Example
	Test       []Example
	// Dropped counts rows with a missing or unparsable value.
	Dropped int
}

// Get returns the examples of a named partition.
func (p *Partitions) Get(name string) []Example {
	switch name {
	case Train:
		return p.Train
	case Validation:
		return p.Validation
	case Test:
		return p.Test
	}
	return nil
}

// LoadCSV reads a CSV export of the taxi table. Rows missing a label or
// feature are dropped, scaled features are fitted on every remaining row,
// and each partition is shuffled.
func LoadCSV(r io.Reader, rng *rand.Rand) (*Partitions, error) {
	records, err := gocsv.CSVToMaps(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading csv")
	}

	var all []Example
	var parts []string
	p := &Partitions{}
	for _, rec := range records {
		ex, ok := parseRecord(rec)
		if !ok {
			p.Dropped++
			continue
		}
		all = append(all, ex)
		parts = append(parts, rec[PartitionColumn])
	}
	if len(all) == 0 {
		return nil, errors.Errorf("csv has no usable rows (%d dropped)", p.Dropped)
	}

	if _, err := FitTransform(all); err != nil {
		return nil, err
	}

	var unknown int
	for i, ex := range all {
		switch parts[i] {
		case Train:
			p.Train = append(p.Train, ex)
		case Validation:
			p.Validation = append(p.Validation, ex)
		case Test:
			p.Test = append(p.Test, ex)
		default:
			unknown++
		}
	}
	for _, examples := range [][]Example{p.Train, p.Validation, p.Test} {
		rng.Shuffle(len(examples), func(i, j int) {
			examples[i], examples[j] = examples[j], examples[i]
		})
	}

	util.Logger.Printf("loaded csv: %s train, %s validation, %s test rows (%s dropped, %s outside any partition)",
		humanize.Comma(int64(len(p.Train))), humanize.Comma(int64(len(p.Validation))),
		humanize.Comma(int64(len(p.Test))), humanize.Comma(int64(p.Dropped)), humanize.Comma(int64(unknown)))
	return p, nil
}

func parseRecord(rec map[string]string) (Example, bool) {
	label, ok := parseValue(rec[LabelColumn])
	if !ok {
		return Example{}, false
	}
	ex := Example{Label: label, Features: make([]float32, len(defs))}
	for i, f := range defs {
		v, ok := parseValue(rec[f.Name])
		if !ok {
			return Example{}, false
		}
		ex.Features[i] = v
	}
	return ex, true
}

func parseValue(s string) (float32, bool) {
	switch s {
	case "true", "True", "TRUE":
		return 1, true
	case "false", "False", "FALSE":
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return float32(v), true
}
