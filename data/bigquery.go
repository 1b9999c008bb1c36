package data

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	bqStorage "cloud.google.com/go/bigquery/storage/apiv1"
	"cloud.google.com/go/bigquery/storage/apiv1/storagepb"
	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"cashmlp/util"
)

// Defaults for the Chicago taxi table.
const (
	DefaultProject = "ml-sandbox-1-191918"
	DefaultDataset = "chicagotaxi"
	DefaultTable   = "finaltaxi_encoded_sampled_small"
)

// maxResponseSize lifts the gRPC receive limit above the largest ReadRows
// response the service sends.
const maxResponseSize = 1024 * 1024 * 129

// TableRef names a BigQuery table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// Path renders the resource name a read session is created on.
func (t TableRef) Path() string {
	return fmt.Sprintf("projects/%s/datasets/%s/tables/%s", t.Project, t.Dataset, t.Table)
}

// Parent is the project billed for the read session.
func (t TableRef) Parent() string {
	return fmt.Sprintf("projects/%s", t.Project)
}

func (t TableRef) String() string {
	return fmt.Sprintf("%s.%s.%s", t.Project, t.Dataset, t.Table)
}

// ReadOptions selects the label and feature columns. The service returns
// columns in schema order regardless of the order asked for. A non-empty
// partition restricts rows to that ml_partition value.
func ReadOptions(partition string) *storagepb.ReadSession_TableReadOptions {
	opts := &storagepb.ReadSession_TableReadOptions{
		SelectedFields: SelectedFields(),
	}
	if partition != "" {
		opts.RowRestriction = fmt.Sprintf("%s = %q", PartitionColumn, partition)
	}
	return opts
}

// ReadClient is the part of the BigQuery Storage read client used here.
type ReadClient interface {
	CreateReadSession(ctx context.Context, req *storagepb.CreateReadSessionRequest, opts ...gax.CallOption) (*storagepb.ReadSession, error)
	ReadRows(ctx context.Context, req *storagepb.ReadRowsRequest, opts ...gax.CallOption) (storagepb.BigQueryRead_ReadRowsClient, error)
}

// NewReadClient connects to the BigQuery Storage API with application
// default credentials.
func NewReadClient(ctx context.Context) (*bqStorage.BigQueryReadClient, error) {
	client, err := bqStorage.NewBigQueryReadClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating bigquery storage client")
	}
	return client, nil
}

// BigQuery is the Source for one ml_partition of a table. Every call to
// Streams opens a fresh read session, so each training epoch rereads the
// partition.
type BigQuery struct {
	client     ReadClient
	table      TableRef
	partition  string
	streams    int
	maxRetries uint64

	skipped int64
}

// NewBigQuery returns a source reading partition from table through up to
// streams parallel streams.
func NewBigQuery(client ReadClient, table TableRef, partition string, streams int) *BigQuery {
	if streams < 1 {
		streams = 1
	}
	return &BigQuery{
		client:     client,
		table:      table,
		partition:  partition,
		streams:    streams,
		maxRetries: 5,
	}
}

// Skipped returns the number of rows dropped for holding null values.
func (b *BigQuery) Skipped() int64 {
	return atomic.LoadInt64(&b.skipped)
}

// CreateSession opens an AVRO read session on the partition.
func (b *BigQuery) CreateSession(ctx context.Context) (*storagepb.ReadSession, error) {
	req := &storagepb.CreateReadSessionRequest{
		Parent: b.table.Parent(),
		ReadSession: &storagepb.ReadSession{
			Table:       b.table.Path(),
			DataFormat:  storagepb.DataFormat_AVRO,
			ReadOptions: ReadOptions(b.partition),
		},
		MaxStreamCount: int32(b.streams),
	}
	session, err := b.client.CreateReadSession(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "creating read session on %s (partition %q)", b.table, b.partition)
	}
	return session, nil
}

// Streams implements Source.
func (b *BigQuery) Streams(ctx context.Context) ([]Stream, error) {
	session, err := b.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	schema := session.GetAvroSchema().GetSchema()
	if schema == "" {
		return nil, errors.Errorf("read session %s has no avro schema", session.GetName())
	}
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing avro schema of session %s", session.GetName())
	}

	util.Logger.Printf("read session %s on %s (partition %q): %d streams",
		session.GetName(), b.table, b.partition, len(session.GetStreams()))

	var streams []Stream
	for _, s := range session.GetStreams() {
		streams = append(streams, &bqStream{src: b, name: s.GetName(), codec: codec})
	}
	return streams, nil
}

type bqStream struct {
	src   *BigQuery
	name  string
	codec *goavro.Codec
}

func (s *bqStream) Name() string {
	return s.name
}

// Read streams every row of the read stream. Transient failures reopen the
// stream at the offset of the first undelivered row.
func (s *bqStream) Read(ctx context.Context, emit func(Example) error) error {
	util.Debugf("reading from read stream %s", s.name)

	var offset, skipped int64
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.src.maxRetries), ctx)
	rpcOpts := gax.WithGRPCOptions(grpc.MaxCallRecvMsgSize(maxResponseSize))

	op := func() error {
		rows, err := s.src.client.ReadRows(ctx, &storagepb.ReadRowsRequest{
			ReadStream: s.name,
			Offset:     offset,
		}, rpcOpts)
		if err != nil {
			return retryable(ctx, err)
		}
		for {
			resp, err := rows.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return retryable(ctx, err)
			}

			n, nulls, err := decodeRows(s.codec, resp.GetAvroRows().GetSerializedBinaryRows(), emit)
			offset += n
			skipped += nulls
			if err != nil {
				return backoff.Permanent(err)
			}
			policy.Reset()
		}
	}
	notify := func(err error, wait time.Duration) {
		util.Logger.Printf("read stream %s failed at row %d, retrying in %v: %v", s.name, offset, wait, err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	atomic.AddInt64(&s.src.skipped, skipped)
	if err != nil {
		return errors.Wrapf(err, "reading stream %s", s.name)
	}
	util.Debugf("read stream %s done: %s rows, %s skipped", s.name, humanize.Comma(offset), humanize.Comma(skipped))
	return nil
}

// decodeRows walks a block of concatenated AVRO rows. It returns the number
// of rows consumed and how many of those were skipped for null values.
func decodeRows(codec *goavro.Codec, buf []byte, emit func(Example) error) (n, skipped int64, err error) {
	for len(buf) > 0 {
		var native interface{}
		native, buf, err = codec.NativeFromBinary(buf)
		if err != nil {
			return n, skipped, errors.Wrap(err, "decoding avro row")
		}
		n++

		row, ok := native.(map[string]interface{})
		if !ok {
			return n, skipped, errors.Errorf("avro row is %T, not a record", native)
		}
		ex, err := exampleFromRow(row)
		if errors.Is(err, errNull) {
			skipped++
			continue
		}
		if err != nil {
			return n, skipped, err
		}
		if err := emit(ex); err != nil {
			return n, skipped, err
		}
	}
	return n, skipped, nil
}

// retryable leaves transient gRPC failures as plain errors so the backoff
// policy retries them; everything else stops the read.
func retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted, codes.DeadlineExceeded:
		return err
	}
	return backoff.Permanent(err)
}
