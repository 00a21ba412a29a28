package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	manager.DownloadAPIClient
	s3.ListObjectsV2APIClient
}

// S3Store implements the ObjectStore interface using an S3-compatible API.
type S3Store struct {
	client     S3API
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Store instantiates an ObjectStore backed by an AWS SDK client and the
// provided bucket/prefix pair. concurrency bounds the ranged GETs issued for a
// single large object; chunks are usually below one part.
func NewS3Store(client S3API, bucket, prefix string, concurrency int) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if concurrency <= 0 {
		concurrency = manager.DefaultDownloadConcurrency
	}
	return &S3Store{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = concurrency
		}),
		bucket: bucket,
		prefix: prefix,
	}
}

// key normalizes relative paths into fully qualified S3 object keys respecting
// the configured prefix.
func (s *S3Store) key(rel string) string {
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "." {
		rel = ""
	}
	if rel == "" {
		return strings.TrimSuffix(s.prefix, "/")
	}
	if s.prefix == "" {
		return rel
	}
	return s.prefix + rel
}

// isMissing recognizes both the modeled S3 errors and the bare API codes some
// S3-compatible vendors return for absent keys.
func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

// List enumerates the immediate children for the provided prefix using the S3
// ListObjectsV2 paginator.
func (s *S3Store) List(ctx context.Context, rel string) ([]ObjectMeta, error) {
	prefix := s.key(rel)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	var out []ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", rel, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			out = append(out, ObjectMeta{
				Path:  path.Join(rel, name),
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			out = append(out, ObjectMeta{
				Path:         path.Join(rel, name),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// Download fetches an S3 object into dst through the transfer manager.
func (s *S3Store) Download(ctx context.Context, rel string, dst io.WriterAt) error {
	_, err := s.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(rel)),
	})
	if err != nil {
		if isMissing(err) {
			return NotFoundError{Key: rel}
		}
		return fmt.Errorf("download %s: %w", rel, err)
	}
	return nil
}
