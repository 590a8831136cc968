package diag

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化日志器：单行 JSON，默认写入 logs/ 下的轮转文件。
// 事件字段：comp、stage(start|finish|error)、code、dur_ms、count、gen、corr_id、kv。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入任意 WriteSyncer（如 os.Stderr、测试缓冲）。
func NewLoggerTo(w zapcore.WriteSyncer, corrID, level string) *Logger {
	if w == nil {
		w = zapcore.Lock(os.Stderr)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, zap.NewAtomicLevelAt(ParseLevel(level)))
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// Nop 返回丢弃一切的日志器。
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

// ParseLevel 将字符串映射为 zap 级别；未知值为 info。
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Zap 暴露底层 zap.Logger（供插件使用）。
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.z
}

// Sync 刷新缓冲；sink 为文件时同时关闭句柄。
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	err := l.z.Sync()
	if l.sink != nil {
		_ = l.sink.Close()
	}
	return err
}

func genField(gen uint64) zap.Field {
	if gen == 0 {
		return zap.Skip()
	}
	return zap.Uint64("gen", gen)
}

func kvField(kv map[string]string) zap.Field {
	if len(kv) == 0 {
		return zap.Skip()
	}
	return zap.Any("kv", kv)
}

func durField(durSince *time.Time) zap.Field {
	if durSince == nil {
		return zap.Skip()
	}
	return zap.Int64("dur_ms", time.Since(*durSince).Milliseconds())
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartGenKV(comp, msg, 0, nil)
}

// StartGen 记录带代数的 start。
func (l *Logger) StartGen(comp, msg string, gen uint64) *Timer {
	return l.StartGenKV(comp, msg, gen, nil)
}

// StartGenKV 记录带代数与键值的 start。
func (l *Logger) StartGenKV(comp, msg string, gen uint64, kv map[string]string) *Timer {
	l.z.Info(msg, zap.String("comp", comp), zap.String("stage", "start"), genField(gen), kvField(kv))
	return &Timer{l: l, comp: comp, gen: gen, t0: time.Now()}
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg string, gen uint64, kv map[string]string) {
	l.z.Debug(msg, zap.String("comp", comp), zap.String("stage", "start"), genField(gen), kvField(kv))
}

// Warn 记录告警（例如单项富化失败被隔离）。
func (l *Logger) Warn(comp, code, msg string, gen uint64, kv map[string]string) {
	l.z.Warn(msg, zap.String("comp", comp), zap.String("stage", "error"), zap.String("code", code), genField(gen), kvField(kv))
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorGenKV(comp, code, msg, durSince, 0, nil)
}

// ErrorGen 支持代数。
func (l *Logger) ErrorGen(comp, code, msg string, durSince *time.Time, gen uint64) {
	l.ErrorGenKV(comp, code, msg, durSince, gen, nil)
}

// ErrorGenKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorGenKV(comp, code, msg string, durSince *time.Time, gen uint64, kv map[string]string) {
	l.z.Error(msg, zap.String("comp", comp), zap.String("stage", "error"), zap.String("code", code), durField(durSince), genField(gen), kvField(kv))
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.z.Info(msg, zap.String("comp", comp), zap.String("stage", "finish"), zap.Int64("dur_ms", time.Since(start).Milliseconds()), zap.Int64("count", count))
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l    *Logger
	comp string
	gen  uint64
	t0   time.Time
}

// Finish 记录 finish 并上报阶段耗时；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.z.Info(msg, zap.String("comp", t.comp), zap.String("stage", "finish"), zap.Int64("dur_ms", dur), zap.Int64("count", count), genField(t.gen))
	ObserveDuration(t.comp, msg, dur)
}
