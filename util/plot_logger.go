package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var PlotLogger *log.Logger = log.New(io.Discard, "", 0)

// InitPlotLogger sends per-epoch plot lines to plot_logs_<role>_<index>_<tag>.txt
// under dir. The returned closer flushes the file.
func InitPlotLogger(dir, role string, index int, tag string) (io.Closer, error) {
	fname := filepath.Join(dir, fmt.Sprintf("plot_logs_%s_%d_%s.txt", role, index, tag))
	file, err := os.Create(fname)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("plot_logs_%s_%d_%s: ", role, index, tag)
	PlotLogger = log.New(file, prefix, 0)
	return file, nil
}
