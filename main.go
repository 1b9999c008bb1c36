package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"gopkg.in/yaml.v2"

	"cashmlp/data"
	"cashmlp/ds"
	"cashmlp/hypertune"
	"cashmlp/ml"
	"cashmlp/store"
	"cashmlp/util"
)

// Hyperparams are the tunable flags. A nil field was not given on the
// command line and falls back to the params file or the default.
type Hyperparams struct {
	DenseNeurons1  *int     `arg:"--dense-neurons-1" help:"neurons in the first layer [default: 64]"`
	DenseNeurons2  *int     `arg:"--dense-neurons-2" help:"neurons in the second layer [default: 32]"`
	DenseNeurons3  *int     `arg:"--dense-neurons-3" help:"neurons in the third layer [default: 8]"`
	Activation     *string  `arg:"--activation" help:"activation function [default: relu]"`
	DropoutRate1   *float64 `arg:"--dropout-rate-1" help:"dropout after the first layer [default: 0.1]"`
	DropoutRate2   *float64 `arg:"--dropout-rate-2" help:"dropout after the second layer [default: 0.1]"`
	DropoutRate3   *float64 `arg:"--dropout-rate-3" help:"accepted for compatibility, unused [default: 0.1]"`
	Optimizer      *string  `arg:"--optimizer" help:"adam, nadam, rmsprop or sgd [default: adam]"`
	LearningRate   *float64 `arg:"--learning-rate" help:"learning rate before per-optimizer normalization [default: 0.1]"`
	BatchSize      *int     `arg:"--batch-size" help:"minibatch size [default: 64]"`
	ChunkSize      *int     `arg:"--chunk-size" help:"shuffle buffer in examples [default: 200000]"`
	Epochs         *int     `arg:"--epochs" help:"epochs to train [default: 3]"`
	ValidationFreq *int     `arg:"--validation-freq" help:"validate every n epochs [default: 1]"`
	KernelInitial1 *string  `arg:"--kernel-initial-1" help:"first layer initializer [default: normal]"`
	KernelInitial2 *string  `arg:"--kernel-initial-2" help:"second layer initializer [default: normal]"`
	KernelInitial3 *string  `arg:"--kernel-initial-3" help:"third layer initializer [default: normal]"`
	Patience       *int     `arg:"--patience" help:"validated epochs without improvement before stopping [default: 50]"`
	Seed           *int64   `arg:"--seed" help:"random seed [default: 1]"`
}

type options struct {
	Hyperparams
	TableID     string `arg:"--table-id" help:"table, dataset.table or project.dataset.table"`
	Project     string `help:"project owning the table"`
	Dataset     string `help:"dataset holding the table"`
	Task        string `help:"train, tune or evaluate"`
	JobDir      string `arg:"--job-dir" help:"where artifacts are written, local or gs://"`
	Bucket      string `help:"bucket to upload artifacts to when --job-dir is local"`
	DataFile    string `arg:"--data-file" help:"read a CSV export, local or gs://, instead of the table"`
	ParamsFile  string `arg:"--params-file" help:"YAML file of hyperparameters"`
	ModelFile   string `arg:"--model-file" help:"model to evaluate, local or gs://"`
	Streams     int    `help:"maximum read streams per session"`
	CycleLength int    `arg:"--cycle-length" help:"streams read concurrently"`
	Debug       bool   `help:"verbose logging"`
}

func defaultOptions() options {
	return options{
		TableID:     data.DefaultTable,
		Project:     data.DefaultProject,
		Dataset:     data.DefaultDataset,
		Task:        "train",
		JobDir:      "test_job_dir",
		Streams:     100,
		CycleLength: 4,
	}
}

func main() {
	opts := defaultOptions()
	arg.MustParse(&opts)
	if opts.Debug {
		util.SetDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options) error {
	switch opts.Task {
	case "train", "tune", "evaluate":
	default:
		return errors.Errorf("--task must be train, tune or evaluate, got %q", opts.Task)
	}

	dss, err := ds.FromEnv()
	if err != nil {
		return err
	}
	task := dss.Task()
	util.InitLogger(task.Type, task.Index)
	if dss.IsLocal() {
		util.Logger.Println("No TF_CONFIG; training locally")
	} else {
		util.Logger.Printf("cluster roles %v, %d training replicas", dss.Roles(), dss.NumWorkers())
	}
	if !dss.Trains() {
		util.Logger.Printf("%s tasks do not train, exiting", task.Type)
		return nil
	}

	params, err := resolveParams(opts)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	util.Logger.Printf("hyperparameters: %+v", params)
	var names []string
	for _, f := range data.Defs() {
		names = append(names, f.Name)
	}
	util.Debugf("input features: %s", strings.Join(names, ", "))

	if !store.IsGCSURI(opts.JobDir) {
		if err := os.MkdirAll(opts.JobDir, 0755); err != nil {
			return errors.Wrapf(err, "creating %s", opts.JobDir)
		}
	}
	plotDir := opts.JobDir
	if store.IsGCSURI(plotDir) {
		plotDir = os.TempDir()
	}
	plotLog, err := util.InitPlotLogger(plotDir, task.Type, task.Index, opts.Task)
	if err != nil {
		return err
	}
	defer plotLog.Close()

	var device torch.Device
	if torch.IsCUDAAvailable() {
		util.Logger.Println("CUDA is valid")
		device = torch.NewDevice("cuda")
	} else {
		util.Logger.Println("No CUDA found; CPU only")
		device = torch.NewDevice("cpu")
	}

	client := store.NewClient()
	defer client.Close()

	sources, closeSources, err := openSources(ctx, opts, client, params.Seed)
	if err != nil {
		return err
	}
	defer closeSources()
	load := loaderFunc(sources, params, opts.CycleLength, dss)

	switch opts.Task {
	case "evaluate":
		return evaluate(ctx, opts, client, params, device, load)
	case "tune":
		return tune(ctx, params, device, load, dss)
	}
	return train(ctx, opts, client, params, device, load, dss)
}

// resolveParams layers the defaults, the params file and explicit flags,
// in that order.
func resolveParams(opts options) (ml.Params, error) {
	p := ml.DefaultParams()
	if opts.ParamsFile != "" {
		buf, err := os.ReadFile(opts.ParamsFile)
		if err != nil {
			return p, errors.Wrapf(err, "reading %s", opts.ParamsFile)
		}
		m := make(map[string]interface{})
		if err := yaml.Unmarshal(buf, &m); err != nil {
			return p, errors.Wrapf(err, "parsing %s", opts.ParamsFile)
		}
		if p, err = ml.ParamsFromMap(m); err != nil {
			return p, errors.Wrapf(err, "in %s", opts.ParamsFile)
		}
	}

	h := opts.Hyperparams
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setFloat := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&p.DenseNeurons1, h.DenseNeurons1)
	setInt(&p.DenseNeurons2, h.DenseNeurons2)
	setInt(&p.DenseNeurons3, h.DenseNeurons3)
	setString(&p.Activation, h.Activation)
	setFloat(&p.DropoutRate1, h.DropoutRate1)
	setFloat(&p.DropoutRate2, h.DropoutRate2)
	setFloat(&p.DropoutRate3, h.DropoutRate3)
	setString(&p.Optimizer, h.Optimizer)
	setFloat(&p.LearningRate, h.LearningRate)
	setInt(&p.BatchSize, h.BatchSize)
	setInt(&p.ChunkSize, h.ChunkSize)
	setInt(&p.Epochs, h.Epochs)
	setInt(&p.ValidationFreq, h.ValidationFreq)
	setString(&p.KernelInitial1, h.KernelInitial1)
	setString(&p.KernelInitial2, h.KernelInitial2)
	setString(&p.KernelInitial3, h.KernelInitial3)
	setInt(&p.Patience, h.Patience)
	if h.Seed != nil {
		p.Seed = *h.Seed
	}
	return p, nil
}

// tableRef resolves --table-id against --project and --dataset.
func tableRef(opts options) (data.TableRef, error) {
	parts := strings.Split(opts.TableID, ".")
	ref := data.TableRef{Project: opts.Project, Dataset: opts.Dataset}
	switch len(parts) {
	case 1:
		ref.Table = parts[0]
	case 2:
		ref.Dataset, ref.Table = parts[0], parts[1]
	case 3:
		ref.Project, ref.Dataset, ref.Table = parts[0], parts[1], parts[2]
	default:
		return ref, errors.Errorf("invalid table id %q", opts.TableID)
	}
	for _, s := range []string{ref.Project, ref.Dataset, ref.Table} {
		if s == "" {
			return ref, errors.Errorf("incomplete table reference %s", ref)
		}
	}
	return ref, nil
}

// openSources returns one source per partition, read from the CSV export
// when --data-file is set and from the table otherwise.
func openSources(ctx context.Context, opts options, client *store.Client, seed int64) (map[string]data.Source, func() error, error) {
	partitions := []string{data.Train, data.Validation, data.Test}
	sources := make(map[string]data.Source)

	if opts.DataFile != "" {
		r, err := client.Open(ctx, opts.DataFile)
		if err != nil {
			return nil, nil, err
		}
		defer r.Close()
		parts, err := data.LoadCSV(r, rand.New(rand.NewSource(seed)))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "loading %s", opts.DataFile)
		}
		for _, name := range partitions {
			src := data.NewMemorySource(name, parts.Get(name), opts.Streams)
			util.Logger.Printf("%s: %d rows", name, src.Len())
			sources[name] = src
		}
		return sources, func() error { return nil }, nil
	}

	table, err := tableRef(opts)
	if err != nil {
		return nil, nil, err
	}
	bq, err := data.NewReadClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	readers := make(map[string]*data.BigQuery)
	for _, name := range partitions {
		readers[name] = data.NewBigQuery(bq, table, name, opts.Streams)
		sources[name] = readers[name]
	}
	closer := func() error {
		for _, name := range partitions {
			if n := readers[name].Skipped(); n > 0 {
				util.Logger.Printf("skipped %d %s rows holding null values", n, name)
			}
		}
		return bq.Close()
	}
	return sources, closer, nil
}

// loaderFunc opens a fresh pass over a partition, sharded for this replica.
// Every pass reshuffles with a new seed.
func loaderFunc(sources map[string]data.Source, p ml.Params, cycleLength int, dss *ds.DistributedSystem) ml.LoaderFunc {
	var passes int64
	return func(ctx context.Context, partition string) (ml.Minibatcher, error) {
		src, ok := sources[partition]
		if !ok {
			return nil, errors.Errorf("no source for partition %q", partition)
		}
		return data.NewLoader(ctx, src, data.Options{
			BatchSize:     p.BatchSize,
			CycleLength:   cycleLength,
			ShuffleBuffer: p.ChunkSize,
			NumWorkers:    dss.NumWorkers(),
			TaskIndex:     dss.TaskIndex(),
			Seed:          p.Seed + atomic.AddInt64(&passes, 1),
		})
	}
}

func train(ctx context.Context, opts options, client *store.Client, p ml.Params, device torch.Device, load ml.LoaderFunc, dss *ds.DistributedSystem) error {
	model, err := ml.MakeSimpleNN(p, device)
	if err != nil {
		return err
	}
	defer model.Close()

	history, err := model.Fit(ctx, load)
	if err != nil {
		return err
	}
	scores, err := model.Evaluate(ctx, load, data.Test)
	if err != nil {
		return err
	}
	util.Logger.Printf("Test: %v", scores)

	if !dss.IsChief() {
		return nil
	}
	return model.Export(ctx, client, ml.ExportDir(opts.JobDir, opts.Bucket), history)
}

func tune(ctx context.Context, p ml.Params, device torch.Device, load ml.LoaderFunc, dss *ds.DistributedSystem) error {
	model, err := ml.MakeSimpleNN(p, device)
	if err != nil {
		return err
	}
	defer model.Close()

	history, err := model.Fit(ctx, load)
	if err != nil {
		return err
	}
	if !dss.IsChief() {
		return nil
	}

	tag, value := "val_loss", 0.0
	if best, ok := history.BestValLoss(); ok {
		value = best
	} else {
		tag, value = "loss", history.FinalLoss()
	}
	reporter := hypertune.New()
	if err := reporter.Report(tag, value, history.Epochs()); err != nil {
		return err
	}
	util.Logger.Printf("Reported %s=%.4f to %s", tag, value, reporter.Path())
	return nil
}

func evaluate(ctx context.Context, opts options, client *store.Client, p ml.Params, device torch.Device, load ml.LoaderFunc) error {
	if opts.ModelFile == "" {
		return errors.New("--model-file is required to evaluate")
	}
	model, err := ml.LoadSimpleNN(ctx, client, opts.ModelFile, p, device)
	if err != nil {
		return err
	}
	defer model.Close()

	scores, err := model.Evaluate(ctx, load, data.Test)
	if err != nil {
		return err
	}
	util.Logger.Printf("Test: %v", scores)
	return nil
}
