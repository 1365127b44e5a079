// Package s3 provides a backend storing each key as an object in an S3 (or
// S3-compatible) bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/dittodav/pkg/backend"
)

// Config configures the S3 backend.
type Config struct {
	// Client is the S3 client to use. Required.
	Client *s3.Client

	// Bucket is the bucket name. Required.
	Bucket string

	// KeyPrefix is prepended to every key (e.g. "dittodav/").
	KeyPrefix string
}

// Store is the bucket binding shared by all connections.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// New creates the store and verifies that the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Store{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Factory returns a backend.Factory. Connections share the store's client,
// whose HTTP transport already multiplexes requests.
func (s *Store) Factory() backend.Factory {
	return func(ctx context.Context) (backend.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &conn{store: s}, nil
	}
}

func (s *Store) objectKey(key string) string {
	return s.keyPrefix + key
}

type conn struct {
	store  *Store
	closed atomic.Bool
}

func (c *conn) Execute(ctx context.Context, q backend.Query) ([]byte, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch q.Op {
	case backend.OpGet:
		return c.get(ctx, q.Key)
	case backend.OpPut:
		return nil, c.put(ctx, q.Key, q.Value)
	case backend.OpDelete:
		return nil, c.delete(ctx, q.Key)
	case backend.OpList:
		return c.list(ctx, q.Key)
	default:
		return nil, backend.ErrUnsupportedOp
	}
}

func (c *conn) get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.store.bucket),
		Key:    aws.String(c.store.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("object %s: %w", key, backend.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (c *conn) put(ctx context.Context, key string, value []byte) error {
	_, err := c.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.store.bucket),
		Key:           aws.String(c.store.objectKey(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		return fmt.Errorf("failed to put object to S3: %w", err)
	}
	return nil
}

// delete reports ErrNotFound for missing keys; S3 itself treats deleting a
// missing object as success.
func (c *conn) delete(ctx context.Context, key string) error {
	objectKey := c.store.objectKey(key)

	_, err := c.store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.store.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("object %s: %w", key, backend.ErrNotFound)
		}
		return fmt.Errorf("failed to head object: %w", err)
	}

	_, err = c.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.store.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (c *conn) list(ctx context.Context, prefix string) ([]byte, error) {
	paginator := s3.NewListObjectsV2Paginator(c.store.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.store.bucket),
		Prefix: aws.String(c.store.objectKey(prefix)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), c.store.keyPrefix))
		}
	}
	return backend.EncodeKeys(keys), nil
}

func (c *conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return backend.ErrClosed
	}
	_, err := c.store.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.store.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", c.store.bucket, err)
	}
	return nil
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
