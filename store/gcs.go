package store

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"cashmlp/util"
)

const scheme = "gs"

// IsGCSURI returns true if the path is a gs:// uri.
func IsGCSURI(path string) bool {
	return strings.HasPrefix(path, scheme+"://")
}

// ParseURI splits gs://bucket/path/to/object into its bucket and object name.
func ParseURI(uri string) (bucket, object string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid uri %s", uri)
	}
	if u.Scheme != scheme {
		return "", "", errors.Errorf("%s is not a gs:// uri", uri)
	}
	if u.Host == "" {
		return "", "", errors.Errorf("%s has no bucket", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Join appends path elements to a gs:// uri or a local directory.
func Join(base string, elem ...string) string {
	if IsGCSURI(base) {
		bucket, object, err := ParseURI(base)
		if err != nil {
			return base
		}
		return scheme + "://" + bucket + "/" + path.Join(append([]string{object}, elem...)...)
	}
	return filepath.Join(append([]string{base}, elem...)...)
}

// Client reads and writes job artifacts. Local paths go to the filesystem;
// gs:// uris go to Cloud Storage through a client created on first use, so
// local runs need no credentials.
type Client struct {
	newGCS     func(ctx context.Context) (*storage.Client, error)
	maxRetries uint64

	once sync.Once
	gcs  *storage.Client
	err  error
}

// NewClient returns a client using application default credentials.
func NewClient() *Client {
	return &Client{
		newGCS: func(ctx context.Context) (*storage.Client, error) {
			return storage.NewClient(ctx)
		},
		maxRetries: 5,
	}
}

func (c *Client) bucket(ctx context.Context, name string) (*storage.BucketHandle, error) {
	c.once.Do(func() {
		c.gcs, c.err = c.newGCS(ctx)
		if c.err != nil {
			c.err = errors.Wrap(c.err, "creating storage client")
		}
	})
	if c.err != nil {
		return nil, c.err
	}
	return c.gcs.Bucket(name), nil
}

// Close releases the storage client if one was created.
func (c *Client) Close() error {
	if c.gcs != nil {
		return c.gcs.Close()
	}
	return nil
}

// Upload copies a local file to bucket/object.
func (c *Client) Upload(ctx context.Context, bucket, object, localFile string) error {
	buf, err := os.ReadFile(localFile)
	if err != nil {
		return errors.Wrapf(err, "reading %s", localFile)
	}
	return c.put(ctx, bucket, object, buf)
}

// Put writes data to a gs:// uri or a local path, creating local
// directories as needed.
func (c *Client) Put(ctx context.Context, dst string, data []byte) error {
	if !IsGCSURI(dst) {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", dst)
		}
		return errors.Wrapf(os.WriteFile(dst, data, 0644), "writing %s", dst)
	}
	bucket, object, err := ParseURI(dst)
	if err != nil {
		return err
	}
	return c.put(ctx, bucket, object, data)
}

func (c *Client) put(ctx context.Context, bucket, object string, data []byte) error {
	b, err := c.bucket(ctx, bucket)
	if err != nil {
		return err
	}

	start := time.Now()
	op := func() error {
		w := b.Object(object).NewWriter(ctx)
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			w.Close()
			return classify(err)
		}
		return classify(w.Close())
	}
	notify := func(err error, wait time.Duration) {
		util.Logger.Printf("upload of gs://%s/%s failed, retrying in %v: %v", bucket, object, wait, err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return errors.Wrapf(err, "uploading gs://%s/%s", bucket, object)
	}
	util.Debugf("uploaded gs://%s/%s (%d bytes) in %v", bucket, object, len(data), time.Since(start))
	return nil
}

// Open returns a reader for a gs:// uri or a local path.
func (c *Client) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	if !IsGCSURI(src) {
		f, err := os.Open(src)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", src)
		}
		return f, nil
	}
	bucket, object, err := ParseURI(src)
	if err != nil {
		return nil, err
	}
	b, err := c.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	r, err := b.Object(object).NewReader(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", src)
	}
	return r, nil
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrBucketNotExist),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return backoff.Permanent(err)
	}
	return err
}
