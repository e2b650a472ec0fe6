package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/wagate/internal/config"
	"github.com/dharsanguruparan/wagate/internal/model"
)

// Storage archives inbound media in a MinIO/S3 bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
	urlTTL time.Duration
}

// New creates a MinIO client from the storage config.
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		urlTTL: cfg.URLTTL,
	}, nil
}

// EnsureBucket makes sure the media bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Archive uploads media under key and returns a presigned GET URL for it.
func (s *Storage) Archive(ctx context.Context, key string, media *model.Media) (string, error) {
	objectKey := ObjectKey(key, media)
	opts := minio.PutObjectOptions{ContentType: media.Mimetype}
	if media.Filename != "" {
		opts.ContentDisposition = fmt.Sprintf("attachment; filename=%q", media.Filename)
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(media.Data), int64(len(media.Data)), opts)
	if err != nil {
		return "", fmt.Errorf("upload media object: %w", err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, s.urlTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign media object: %w", err)
	}
	return u.String(), nil
}

// ObjectKey appends an extension derived from the media type to key.
func ObjectKey(key string, media *model.Media) string {
	if m := mimetype.Lookup(media.Mimetype); m != nil && m.Extension() != "" {
		return key + m.Extension()
	}
	return key
}
