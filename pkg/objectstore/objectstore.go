package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
)

// ObjectMeta describes a single object or common prefix in the remote store.
type ObjectMeta struct {
	Path         string
	Size         int64
	ETag         string
	LastModified time.Time
	IsDir        bool
}

var ErrNotFound = errors.New("object not found")

// NotFoundError conveys that a specific object key was not found in the store.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return "object not found"
	}
	return fmt.Sprintf("%s: not found", e.Key)
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound reports whether err represents a missing remote object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ObjectStore abstracts the read-only object storage holding the datasets.
type ObjectStore interface {
	// List returns the direct children of key. Keys are slash-separated and
	// relative to the configured root. Common prefixes come back with IsDir
	// set. The key may be "", representing the bucket root.
	List(ctx context.Context, key string) ([]ObjectMeta, error)
	// Download writes the content of a single object into dst.
	Download(ctx context.Context, key string, dst io.WriterAt) error
}

// ReadAll downloads a whole object into memory.
func ReadAll(ctx context.Context, store ObjectStore, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	if err := store.Download(ctx, key, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
