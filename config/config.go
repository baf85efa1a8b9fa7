package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	OSS        OSSConfig        `mapstructure:"oss"`
	AWS        AWSConfig        `mapstructure:"aws"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Log        LogConfig        `mapstructure:"log"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
	BaseURL string `mapstructure:"base_url"` // 对外地址，本地存储生成上传链接时使用
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type QueueConfig struct {
	Transport         string        `mapstructure:"transport"` // redis, sqs
	ExtractionStart   string        `mapstructure:"extraction_start"`
	ExtractionPoll    string        `mapstructure:"extraction_poll"`
	Analysis          string        `mapstructure:"analysis"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchConcurrency  int           `mapstructure:"batch_concurrency"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxReceives       int           `mapstructure:"max_receives"`
	MaxWorkers        int           `mapstructure:"max_workers"`
}

type StorageConfig struct {
	Backend      string        `mapstructure:"backend"` // oss, s3, local
	Bucket       string        `mapstructure:"bucket"`
	UploadExpiry time.Duration `mapstructure:"upload_expiry"`
	MaxFileSize  int64         `mapstructure:"max_file_size"`
	LocalRoot    string        `mapstructure:"local_root"`
	SigningKey   string        `mapstructure:"signing_key"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
}

type AWSConfig struct {
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"` // 兼容 S3 的服务或 localstack
	AccessKeyID       string `mapstructure:"access_key_id"`
	SecretAccessKey   string `mapstructure:"secret_access_key"`
	TextractTopicARN  string `mapstructure:"textract_topic_arn"`
	TextractRoleARN   string `mapstructure:"textract_role_arn"`
	SQSWaitTimeSecond int32  `mapstructure:"sqs_wait_time_seconds"`
}

type ExtractionConfig struct {
	Provider       string        `mapstructure:"provider"` // textract, memory
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type ScoringConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type PollerConfig struct {
	MaxWait      time.Duration `mapstructure:"max_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchLimit int           `mapstructure:"batch_limit"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, text
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type CORSConfig struct {
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	AllowedMethods []string      `mapstructure:"allowed_methods"`
	AllowedHeaders []string      `mapstructure:"allowed_headers"`
	ExposedHeaders []string      `mapstructure:"exposed_headers"`
	MaxAge         time.Duration `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	// 优先读取同目录下的 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 环境变量覆盖，例如 QUEUE_TRANSPORT=sqs
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "resume_pipeline.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("queue.transport", "redis")
	v.SetDefault("queue.extraction_start", "extraction_start")
	v.SetDefault("queue.extraction_poll", "extraction_poll")
	v.SetDefault("queue.analysis", "analysis")
	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.batch_concurrency", 5)
	v.SetDefault("queue.visibility_timeout", "60s")
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.max_receives", 60)
	v.SetDefault("queue.max_workers", 1)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "resume-analyzer")
	v.SetDefault("storage.upload_expiry", "15m")
	v.SetDefault("storage.max_file_size", 10<<20)
	v.SetDefault("storage.local_root", "./data")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.sqs_wait_time_seconds", 5)

	v.SetDefault("extraction.provider", "memory")
	v.SetDefault("extraction.max_attempts", 5)
	v.SetDefault("extraction.initial_backoff", "200ms")
	v.SetDefault("extraction.max_backoff", "5s")

	v.SetDefault("scoring.timeout", "60s")
	v.SetDefault("scoring.retry_count", 2)

	v.SetDefault("poller.max_wait", "120s")
	v.SetDefault("poller.poll_interval", "5s")

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.stale_after", "15m")
	v.SetDefault("sweeper.batch_limit", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type"})
	v.SetDefault("cors.max_age", "12h")
}

// SQS 队列名只允许字母数字、- 和 _，并预留 "-dlq" 后缀
var sqsQueueName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,76}$`)

// Validate 检查组件装配所需的必填项
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Transport {
	case "redis", "sqs":
	default:
		errs = append(errs, fmt.Errorf("queue.transport: unsupported value %q", c.Queue.Transport))
	}
	if c.Queue.ExtractionStart == "" || c.Queue.ExtractionPoll == "" || c.Queue.Analysis == "" {
		errs = append(errs, errors.New("queue: all stage queue names are required"))
	}
	if c.Queue.Transport == "sqs" {
		for _, name := range []string{c.Queue.ExtractionStart, c.Queue.ExtractionPoll, c.Queue.Analysis} {
			if name != "" && !sqsQueueName.MatchString(name) {
				errs = append(errs, fmt.Errorf("queue: %q is not a valid SQS queue name", name))
			}
		}
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}

	switch c.Storage.Backend {
	case "oss":
		if c.OSS.Endpoint == "" || c.OSS.AccessKeyID == "" {
			errs = append(errs, errors.New("oss: endpoint and access_key_id are required"))
		}
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for s3"))
		}
	case "local":
		if c.Storage.SigningKey == "" {
			errs = append(errs, errors.New("storage.signing_key is required for local storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend))
	}

	switch c.Extraction.Provider {
	case "textract", "memory":
	default:
		errs = append(errs, fmt.Errorf("extraction.provider: unsupported value %q", c.Extraction.Provider))
	}

	if c.Poller.PollInterval <= 0 || c.Poller.MaxWait <= 0 {
		errs = append(errs, errors.New("poller: max_wait and poll_interval must be positive"))
	}

	return errors.Join(errs...)
}
