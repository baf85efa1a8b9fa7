package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/pkg/awsutil"
)

var ErrObjectNotFound = errors.New("object not found")

// UploadURL 是客户端直传对象存储所需的信息
type UploadURL struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ObjectStorage 是文档和分析结果所在的对象存储
type ObjectStorage interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignUpload(ctx context.Context, key, contentType string, expiry time.Duration) (*UploadURL, error)
}

// New 按配置创建存储后端
func New(ctx context.Context, cfg *config.Config) (ObjectStorage, error) {
	switch cfg.Storage.Backend {
	case "oss":
		return NewOSSStorage(&cfg.OSS)
	case "s3":
		awsCfg, err := awsutil.LoadConfig(ctx, &cfg.AWS)
		if err != nil {
			return nil, err
		}
		return NewS3Storage(awsCfg, cfg.Storage.Bucket, awsutil.BaseEndpoint(&cfg.AWS)), nil
	case "local":
		return NewLocalStorage(cfg.Storage.LocalRoot, cfg.Storage.Bucket, cfg.Server.BaseURL, cfg.Storage.SigningKey)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func readAll(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}
