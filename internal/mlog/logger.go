// Package mlog builds the zap loggers used by shellcache.
package mlog

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level is one of debug, info, warn, error. Default is info.
	Level string `yaml:"level"`

	// File is a path to write logs to. Empty means stderr.
	File string `yaml:"file"`

	// Production switches to json encoding.
	Production bool `yaml:"production"`
}

// NewLogger returns a logger built from lc. A nil lc gives an info level
// console logger on stderr.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	if lc == nil {
		lc = new(LogConfig)
	}

	lvl, err := parseLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	var out zapcore.WriteSyncer
	if len(lc.File) > 0 {
		f, _, err := zap.Open(lc.File)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", lc.File, err)
		}
		out = f
	} else {
		out = zapcore.Lock(os.Stderr)
	}

	var enc zapcore.Encoder
	if lc.Production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z0700")
		enc = zapcore.NewConsoleEncoder(ec)
	}

	return zap.New(zapcore.NewCore(enc, out, lvl)), nil
}

func parseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
