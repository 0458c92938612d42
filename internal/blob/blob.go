// Package blob stores raw message bytes under opaque keys.
package blob

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when no content exists under a key.
var ErrNotFound = eris.New("blob: not found")

// Store persists and retrieves content by key. Put is idempotent: writing the
// same key twice leaves one object.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (int64, error)
}

// ContentKey is the content-addressed key for a sha256 hex checksum.
func ContentKey(checksum string) string {
	if len(checksum) < 2 {
		return "sha256/" + checksum
	}
	return "sha256/" + checksum[:2] + "/" + checksum
}

// AttachmentKey is the key for a legacy direct attachment.
func AttachmentKey(id, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "message.eml"
	}
	return "attachments/" + id + "/" + name
}

// ReadAll opens key and reads it fully.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", key)
	}
	return data, nil
}

func validKey(key string) error {
	if key == "" {
		return eris.New("blob: empty key")
	}
	if strings.HasPrefix(key, "/") {
		return eris.Errorf("blob: absolute key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return eris.Errorf("blob: key %q escapes the store", key)
		}
	}
	return nil
}
