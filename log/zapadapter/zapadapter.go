// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package zapadapter adapts a *zap.Logger into the engine's narrow
// logger.Logf type, so the CLI entry point gets zap's structured,
// leveled output while every library package keeps depending only on
// the plain Logf func type, per SPEC_FULL.md's Ambient Stack section.
package zapadapter

import (
	"go.uber.org/zap"

	"github.com/google/ppn/types/logger"
)

// New returns a logger.Logf that writes through l at InfoLevel.
func New(l *zap.Logger) logger.Logf {
	sugar := l.Sugar()
	return func(format string, args ...interface{}) {
		sugar.Infof(format, args...)
	}
}

// Level selects which zap level NewAt logs at.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// NewAt returns a logger.Logf that writes through l at the given level.
func NewAt(l *zap.Logger, level Level) logger.Logf {
	sugar := l.Sugar()
	switch level {
	case LevelDebug:
		return sugar.Debugf
	case LevelWarn:
		return sugar.Warnf
	case LevelError:
		return sugar.Errorf
	default:
		return sugar.Infof
	}
}
