package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
)

// MemoryStorage 内存对象存储，用于服务和 worker 测试
type MemoryStorage struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string][]byte
	PutErr  error
}

func NewMemoryStorage(bucket string) *MemoryStorage {
	return &MemoryStorage{bucket: bucket, objects: make(map[string][]byte)}
}

func (s *MemoryStorage) Bucket() string {
	return s.bucket
}

func (s *MemoryStorage) Put(_ context.Context, key string, data []byte, _ string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return data, nil
}

func (s *MemoryStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStorage) PresignUpload(_ context.Context, key, contentType string, expiry time.Duration) (*storage.UploadURL, error) {
	return &storage.UploadURL{
		URL:       fmt.Sprintf("https://%s.storage.test/%s?sig=test", s.bucket, key),
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
