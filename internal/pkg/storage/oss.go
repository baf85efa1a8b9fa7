package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/qs3c/resume_pipeline/config"
)

type OSSStorage struct {
	bucket     *oss.Bucket
	bucketName string
}

func NewOSSStorage(cfg *config.OSSConfig) (*OSSStorage, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	return &OSSStorage{bucket: bucket, bucketName: cfg.BucketName}, nil
}

func (s *OSSStorage) Bucket() string {
	return s.bucketName
}

func (s *OSSStorage) Put(_ context.Context, key string, data []byte, contentType string) error {
	if err := s.bucket.PutObject(key, bytes.NewReader(data), oss.ContentType(contentType)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *OSSStorage) Get(_ context.Context, key string) ([]byte, error) {
	body, err := s.bucket.GetObject(key)
	if err != nil {
		var svcErr oss.ServiceError
		if errors.As(err, &svcErr) && svcErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return readAll(body)
}

func (s *OSSStorage) Exists(_ context.Context, key string) (bool, error) {
	return s.bucket.IsObjectExist(key)
}

// PresignUpload 生成带签名的 PUT 直传 URL
func (s *OSSStorage) PresignUpload(_ context.Context, key, contentType string, expiry time.Duration) (*UploadURL, error) {
	signedURL, err := s.bucket.SignURL(key, oss.HTTPPut, int64(expiry/time.Second), oss.ContentType(contentType))
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return &UploadURL{
		URL:       signedURL,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}
