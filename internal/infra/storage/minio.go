package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	domain "github.com/bryanwahyu/image-analyst/internal/domain/analysis"
)

// Store reads images out of one bucket. It never writes.
type Store struct {
	client     *minio.Client
	bucketName string
	maxBytes   int64
}

// New buat koneksi MinIO dan pastikan bucket ada
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool, maxBytes int64) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	return &Store{client: cli, bucketName: bucket, maxBytes: maxBytes}, nil
}

// Fetch downloads key and decodes it as an uploaded image would be.
func (s *Store) Fetch(ctx context.Context, key string) (domain.Image, error) {
	if err := domain.CheckExtension(key); err != nil {
		return domain.Image{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return domain.Image{}, s.mapErr(key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return domain.Image{}, s.mapErr(key, err)
	}
	if s.maxBytes > 0 && info.Size > s.maxBytes {
		return domain.Image{}, fmt.Errorf("%w: object %s is %d bytes (max %d)", domain.ErrUnsupportedImage, key, info.Size, s.maxBytes)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return domain.Image{}, s.mapErr(key, err)
	}
	return domain.DecodeImage(key, data)
}

// Check implements the health checker contract.
func (s *Store) Check(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

func (s *Store) mapErr(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, s.bucketName, key)
	}
	return fmt.Errorf("fetch %s/%s: %w", s.bucketName, key, err)
}
