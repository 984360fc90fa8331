package log

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

// Logger is a small structured logger handed to every component. There is
// no package-level instance; main builds one and passes it down.
type Logger struct {
	z *zap.SugaredLogger
}

// Options controls how New builds the underlying zap logger.
type Options struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive). Empty
	// falls back to $LOG_LEVEL, then INFO.
	Level string
	// JSON switches the encoder from console to JSON lines.
	JSON bool
}

// New builds a Logger writing to stdout.
func New(opts Options) (*Logger, error) {
	lvl, err := ResolveLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	return FromZap(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))), nil
}

// FromZap wraps an existing zap logger (tests pass an observer core here).
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z.Sugar()}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return FromZap(zap.NewNop())
}

// ResolveLevel maps a config level string to a zap level, consulting
// $LOG_LEVEL when the configured value is empty.
func ResolveLevel(s string) (zapcore.Level, error) {
	if s == "" {
		s = os.Getenv("LOG_LEVEL")
	}
	if s == "" {
		s = string(LevelInfo)
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
	return lvl, nil
}

// With returns a child Logger that always carries the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{z: l.z.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.z.Debugw(msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	l.z.Infow(msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	l.z.Warnw(msg, kv...)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{zap.Error(err)}, kv...)
	l.z.Errorw(msg, extended...)
}

// Sync flushes buffered entries; call once before exit.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}
