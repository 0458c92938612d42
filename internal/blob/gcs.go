package blob

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"
)

// GCS stores blobs as objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a client using application default credentials, or the
// given service account file when set.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "blob: gcs client")
	}
	return NewGCSFromClient(client, bucket, prefix), nil
}

// NewGCSFromClient wraps an existing client.
func NewGCSFromClient(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (g *GCS) objectName(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + key
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validKey(key); err != nil {
		return err
	}
	w := g.client.Bucket(g.bucket).Object(g.objectName(key)).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return eris.Wrapf(err, "blob: gcs write %s", key)
	}
	if err := w.Close(); err != nil {
		return eris.Wrapf(err, "blob: gcs close %s", key)
	}
	return nil
}

func (g *GCS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(g.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "blob: gcs open %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blob: gcs open %s", key)
	}
	return r, nil
}

func (g *GCS) Stat(ctx context.Context, key string) (int64, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}
	attrs, err := g.client.Bucket(g.bucket).Object(g.objectName(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, eris.Wrapf(ErrNotFound, "blob: gcs stat %s", key)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "blob: gcs stat %s", key)
	}
	return attrs.Size, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
