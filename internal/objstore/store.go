// Package objstore writes snapshot exports to S3-compatible object storage.
package objstore

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/resilience"
)

// objectAPI is the subset of *minio.Client used by Store.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

// Store puts objects into a single bucket.
type Store struct {
	api    objectAPI
	bucket string
	region string
}

// New connects a Store to the configured endpoint. The endpoint may carry an
// http:// or https:// scheme, which then overrides use_ssl.
func New(cfg config.ObjStoreConfig) (*Store, error) {
	if !cfg.Enabled() {
		return nil, eris.New("objstore: endpoint and bucket are required")
	}

	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:     secure,
		Region:     cfg.Region,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, eris.Wrap(err, "objstore: new client")
	}

	return &Store{api: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return strings.TrimSuffix(endpoint, "/"), useSSL
	}
}

// Bucket returns the destination bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return eris.Wrapf(classify(err), "objstore: check bucket %s", s.bucket)
	}
	if exists {
		return nil
	}

	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// Another writer may have created it in between.
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return eris.Wrapf(classify(err), "objstore: make bucket %s", s.bucket)
	}
	zap.L().Info("objstore: created bucket", zap.String("bucket", s.bucket))
	return nil
}

// Put uploads data under key and returns the object's ETag. Overwrites any
// existing object with the same key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (string, error) {
	info, err := s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return "", eris.Wrapf(classify(err), "objstore: put %s/%s", s.bucket, key)
	}
	return info.ETag, nil
}

// classify marks throttling and server-side S3 errors as transient. It must
// see the raw minio error, before any wrapping.
func classify(err error) error {
	code := minio.ToErrorResponse(err).StatusCode
	if resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(err, code)
	}
	return err
}
