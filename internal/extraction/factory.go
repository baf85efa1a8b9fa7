package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/pkg/awsutil"
	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
)

// NewServiceFromConfig 按 extraction.provider 创建抽取服务。
// memory 模式把上传对象按纯文本逐行读出，仅用于本地联调。
func NewServiceFromConfig(ctx context.Context, cfg *config.Config, store storage.ObjectStorage) (Service, error) {
	switch cfg.Extraction.Provider {
	case "textract":
		awsCfg, err := awsutil.LoadConfig(ctx, &cfg.AWS)
		if err != nil {
			return nil, err
		}
		return NewTextractServiceFromConfig(awsCfg, awsutil.BaseEndpoint(&cfg.AWS)), nil
	case "memory":
		svc := NewMemoryService()
		svc.AutoComplete = true
		svc.Loader = StorageLineLoader(store)
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported extraction provider %q", cfg.Extraction.Provider)
	}
}

// StorageLineLoader 读取对象内容并按行切分，忽略空行
func StorageLineLoader(store storage.ObjectStorage) func(ctx context.Context, doc DocumentRef) ([]string, error) {
	return func(ctx context.Context, doc DocumentRef) ([]string, error) {
		data, err := store.Get(ctx, doc.Key)
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		return lines, nil
	}
}

// ClientFromConfig 创建带重试策略和通知通道的抽取客户端
func ClientFromConfig(cfg *config.Config, store JobStore, service Service) *Client {
	return NewClient(store, service,
		WithRetryPolicy(RetryPolicyFromConfig(&cfg.Extraction)),
		WithNotificationChannel(cfg.AWS.TextractTopicARN, cfg.AWS.TextractRoleARN),
	)
}
