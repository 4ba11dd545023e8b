// Package storage keeps face scans and stream frames in S3 compatible object
// storage.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/example/facepay/internal/logging"
	"github.com/example/facepay/internal/retry"
)

// ObjectStore writes objects and returns their public URL.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Config locates the bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
	// PublicURL overrides the base of returned object URLs, for buckets
	// served through a CDN or reverse proxy.
	PublicURL string
}

// MinioStore is an ObjectStore on minio-go.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
	logger  *zap.Logger
	policy  retry.Policy
}

// NewMinioStore connects and makes sure the bucket exists.
func NewMinioStore(ctx context.Context, cfg Config, logger *zap.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, logging.NewOperationError("storage.connect", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, logging.NewOperationError("storage.bucket_exists", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, logging.NewOperationError("storage.make_bucket", cfg.Bucket, err)
		}
		logger.Info("created bucket", zap.String("bucket", cfg.Bucket))
	}

	base := cfg.PublicURL
	if base == "" {
		base = client.EndpointURL().String()
	}
	return &MinioStore{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: base,
		logger:  logger.Named("object_store"),
		policy:  retry.Default(),
	}, nil
}

// Put uploads data under key, retrying transient failures.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	err := retry.Do(ctx, s.policy, s.logger, "storage.put_object", key, func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	})
	if err != nil {
		return "", err
	}
	return ObjectURL(s.baseURL, s.bucket, key)
}

// ObjectURL joins base, bucket and key into a path-style URL.
func ObjectURL(base, bucket, key string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = path.Join("/", u.Path, bucket, key)
	return u.String(), nil
}

// FaceKey is the object key of one pose of a registration batch.
func FaceKey(batchID, poseName string) string {
	return fmt.Sprintf("faces/%s/%s.jpg", batchID, poseName)
}

// FrameKey shards stream frames by the SHA-256 of their content, so
// identical frames share an object.
func FrameKey(userID string, data []byte) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if userID == "" {
		userID = "anonymous"
	}
	userID = strings.ReplaceAll(userID, "/", "_")
	return fmt.Sprintf("frames/%s/%s/%s/%s.jpg", userID, digest[:2], digest[2:4], digest[4:])
}
