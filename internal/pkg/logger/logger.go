package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/qs3c/resume_pipeline/config"
)

type Fields = logrus.Fields

// 链路字段，随 context 传递
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldStage     = "stage"
	FieldMessageID = "message_id"
	FieldQueue     = "queue"
	FieldComponent = "component"
)

// 指标字段
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldStatus     = "status"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger 包装 logrus.Entry，附带服务名等固定字段
type Logger struct {
	*logrus.Entry
	closer io.Closer
}

type ctxKey struct{}

var (
	defaultLogger = New(&config.LogConfig{Level: "info", Format: "json"}, "resume_pipeline")
	defaultMu     sync.RWMutex
)

// New 根据日志配置创建 Logger。配置了 File 时同时写 stdout 和滚动文件。
func New(cfg *config.LogConfig, service string) *Logger {
	return newWithOutput(cfg, service, nil)
}

// NewWithOutput 输出到指定 writer，测试时使用
func NewWithOutput(cfg *config.LogConfig, service string, out io.Writer) *Logger {
	return newWithOutput(cfg, service, out)
}

func newWithOutput(cfg *config.LogConfig, service string, out io.Writer) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(true)

	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  timestampFormat,
			CallerPrettyfier: shortCaller,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: shortCaller,
		})
	}

	var closer io.Closer
	switch {
	case out != nil:
		log.SetOutput(out)
	case cfg.File != "":
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		closer = file
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Entry: log.WithField("service", service), closer: closer}
}

// Close 关闭滚动日志文件
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields), closer: l.closer}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value), closer: l.closer}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err), closer: l.closer}
}

func shortCaller(frame *runtime.Frame) (string, string) {
	fn := frame.Function
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	return fn, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// FromContext 取出 context 中的 Logger，没有则返回默认 Logger
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return Default()
}

func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// WithFields 返回携带附加字段 Logger 的新 context
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

func WithJob(ctx context.Context, jobID string) context.Context {
	return WithField(ctx, FieldJobID, jobID)
}

func WithComponent(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldComponent, name)
}

// Field 读取 context Logger 上的字段值
func Field(ctx context.Context, key string) string {
	v, ok := FromContext(ctx).Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func CtxDebug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

func CtxInfo(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

func CtxWarn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

func CtxError(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}

func Info(format string, args ...interface{}) {
	Default().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	Default().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	Default().Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	Default().Fatalf(format, args...)
}
