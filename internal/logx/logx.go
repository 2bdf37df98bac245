// Package logx wires the shim's two logging sinks: a human-readable
// console stream and the on-disk lsvmlog, whose wire format is fixed
// because the downstream loader reads it back:
//
//	LEVEL: [secs-since-first-log]: message\n
//
// It is built on go.uber.org/zap, the logging library the retrieved
// pack's os-image-composer project reaches for (zap.L().Sugar()).
package logx

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// Level mirrors the five values the lsvmconf LogLevel key accepts.
type Level int

const (
	Fatal Level = iota
	Error
	Warning
	Info
	Debug
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FATAL":
		return Fatal, nil
	case "ERROR":
		return Error, nil
	case "WARNING":
		return Warning, nil
	case "INFO":
		return Info, nil
	case "DEBUG":
		return Debug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case Fatal:
		return zapcore.FatalLevel
	case Error:
		return zapcore.ErrorLevel
	case Warning:
		return zapcore.WarnLevel
	case Info:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (l Level) String() string {
	switch l {
	case Fatal:
		return "FATAL"
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// lsvmlogEncoder renders one entry per the fixed on-disk format. It
// ignores structured fields beyond the message, matching the simple
// plain-text sink the design calls for.
type lsvmlogEncoder struct {
	zapcore.Encoder
	start time.Time
}

func newLsvmlogEncoder(start time.Time) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		MessageKey: "M",
		LevelKey:   "L",
		TimeKey:    "T",
	}
	return &lsvmlogEncoder{Encoder: zapcore.NewConsoleEncoder(cfg), start: start}
}

func (e *lsvmlogEncoder) Clone() zapcore.Encoder {
	return &lsvmlogEncoder{Encoder: e.Encoder.Clone(), start: e.start}
}

func (e *lsvmlogEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf := bufferPool.Get()
	secs := int64(ent.Time.Sub(e.start).Seconds())
	level := levelName(ent.Level)
	buf.AppendString(fmt.Sprintf("%s: [%d]: %s\n", level, secs, ent.Message))
	return buf, nil
}

func levelName(l zapcore.Level) string {
	switch l {
	case zapcore.FatalLevel, zapcore.DPanicLevel, zapcore.PanicLevel:
		return "FATAL"
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.WarnLevel:
		return "WARNING"
	case zapcore.InfoLevel:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// New builds a logger that writes INFO-and-above entries to lsvmFile
// in the fixed wire format (they are appended there whether or not
// they also surface to the user), and everything at minLevel or above
// to console in a readable form.
func New(console io.Writer, lsvmFile io.Writer, minLevel Level) *zap.Logger {
	start := time.Now()

	consoleEncoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:     "M",
		LevelKey:       "L",
		TimeKey:        "",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})

	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(console), minLevel.zapLevel())
	fileCore := zapcore.NewCore(newLsvmlogEncoder(start), zapcore.AddSync(lsvmFile), zapcore.InfoLevel)

	return zap.New(zapcore.NewTee(consoleCore, fileCore))
}
