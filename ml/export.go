package ml

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"

	"cashmlp/store"
	"cashmlp/util"
)

// Artifact file names inside the job directory.
const (
	ModelFile      = "model.gob"
	HistoryCSVFile = "history.csv"
	HistoryPlot    = "history.svg"
)

// ExportDir resolves where a job's artifacts go: a gs:// job dir as is,
// otherwise the job dir inside bucket, or the local job dir when there is
// no bucket.
func ExportDir(jobDir, bucket string) string {
	if store.IsGCSURI(jobDir) || bucket == "" {
		return jobDir
	}
	return "gs://" + bucket + "/" + strings.Trim(filepath.ToSlash(jobDir), "/")
}

// Export writes the model and its training history to dir. Remote
// artifacts are staged in a temporary directory and uploaded.
func (model *SimpleNN) Export(ctx context.Context, client *store.Client, dir string, history *History) error {
	var staging string
	if store.IsGCSURI(dir) {
		tmp, err := os.MkdirTemp("", "cashmlp-export")
		if err != nil {
			return errors.Wrap(err, "creating staging directory")
		}
		defer os.RemoveAll(tmp)
		staging = tmp
	}

	artifacts := []struct {
		name  string
		write func(io.Writer) error
	}{
		{ModelFile, func(w io.Writer) error { return saveModel(model.net.Net, model.device, w) }},
		{HistoryCSVFile, history.WriteCSV},
		{HistoryPlot, history.WriteSVG},
	}
	for _, a := range artifacts {
		var buf bytes.Buffer
		if err := a.write(&buf); err != nil {
			return errors.Wrapf(err, "rendering %s", a.name)
		}
		dst := store.Join(dir, a.name)
		if staging == "" {
			if err := client.Put(ctx, dst, buf.Bytes()); err != nil {
				return err
			}
			util.Logger.Println("Saved", dst)
			continue
		}

		fname := filepath.Join(staging, a.name)
		if err := os.WriteFile(fname, buf.Bytes(), 0644); err != nil {
			return errors.Wrapf(err, "staging %s", a.name)
		}
		bucket, object, err := store.ParseURI(dst)
		if err != nil {
			return err
		}
		if err := client.Upload(ctx, bucket, object, fname); err != nil {
			return err
		}
		util.Logger.Println("Saved", dst)
	}
	return nil
}

// LoadSimpleNN reads a model exported by Export from a local path or a
// gs:// uri. p must describe the same topology the model was trained with.
func LoadSimpleNN(ctx context.Context, client *store.Client, src string, p Params, device torch.Device) (*SimpleNN, error) {
	r, err := client.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	net, err := loadModel(r, p, device)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", src)
	}
	return &SimpleNN{params: p, net: net, device: device}, nil
}
