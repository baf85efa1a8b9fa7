package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qs3c/resume_pipeline/internal/pkg/jwt"
)

var ErrInvalidKey = errors.New("invalid object key")

// UploadPathPrefix 本地存储直传接口的路由前缀
const UploadPathPrefix = "/api/v1/uploads/"

// LocalStorage 把对象写在本地目录，用 JWT 签名的上传 URL 模拟预签名直传。
// 本地开发和测试使用。
type LocalStorage struct {
	root       string
	bucket     string
	baseURL    string
	signingKey string
}

func NewLocalStorage(root, bucket, baseURL, signingKey string) (*LocalStorage, error) {
	if signingKey == "" {
		return nil, errors.New("local storage requires a signing key")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{
		root:       root,
		bucket:     bucket,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		signingKey: signingKey,
	}, nil
}

func (s *LocalStorage) Bucket() string {
	return s.bucket
}

func (s *LocalStorage) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.root, s.bucket, filepath.FromSlash(key)), nil
}

func (s *LocalStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	// 先写临时文件再 rename，避免读到半截文件
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return os.Rename(tmp, p)
}

func (s *LocalStorage) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return data, err
}

func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStorage) PresignUpload(_ context.Context, key, contentType string, expiry time.Duration) (*UploadURL, error) {
	if _, err := s.path(key); err != nil {
		return nil, err
	}
	token, err := jwt.GenerateUploadToken(key, contentType, s.signingKey, expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload token: %w", err)
	}
	return &UploadURL{
		URL:       s.baseURL + UploadPathPrefix + key + "?token=" + url.QueryEscape(token),
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

// AcceptUpload 校验上传 token 后写入对象
func (s *LocalStorage) AcceptUpload(ctx context.Context, token, key string, data []byte) error {
	claims, err := jwt.VerifyUploadToken(token, s.signingKey, key)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data, claims.ContentType)
}
