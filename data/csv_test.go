package data

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func csvExport(rows ...[]string) string {
	header := append([]string{"start_time", "company", LabelColumn}, featureNames()...)
	header = append(header, PartitionColumn)
	lines := []string{strings.Join(header, ",")}
	for _, r := range rows {
		lines = append(lines, strings.Join(r, ","))
	}
	return strings.Join(lines, "\n") + "\n"
}

func featureNames() []string {
	var names []string
	for _, f := range Defs() {
		names = append(names, f.Name)
	}
	return names
}

// csvRow builds a row whose year is given and whose other features are 1.
func csvRow(label, year, partition string) []string {
	row := []string{"2016-01-01 00:00:00", "acme", label, year}
	for i := 1; i < NumFeatures(); i++ {
		row = append(row, "1")
	}
	return append(row, partition)
}

func TestLoadCSV(t *testing.T) {
	missing := csvRow("1", "2015", Train)
	missing[5] = ""
	input := csvExport(
		csvRow("1", "2013", Train),
		csvRow("0", "2017", Train),
		csvRow("true", "2015", Validation),
		csvRow("0", "2015", Test),
		csvRow("0", "NaN", Test),
		missing,
		csvRow("1", "2015", "holdout"),
	)

	parts, err := LoadCSV(strings.NewReader(input), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 2, parts.Dropped)
	assert.Len(t, parts.Train, 2)
	assert.Len(t, parts.Validation, 1)
	assert.Len(t, parts.Test, 1)
	assert.Equal(t, parts.Train, parts.Get(Train))
	assert.Nil(t, parts.Get("holdout"))

	assert.Equal(t, float32(1), parts.Validation[0].Label)
	// year is min-max scaled over every kept row
	assert.Equal(t, float32(0.5), parts.Validation[0].Features[0])
	years := []float32{parts.Train[0].Features[0], parts.Train[1].Features[0]}
	assert.ElementsMatch(t, []float32{0, 1}, years)
}

func TestLoadCSV_NoRows(t *testing.T) {
	_, err := LoadCSV(strings.NewReader(csvExport(csvRow("", "2015", Train))), rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}
