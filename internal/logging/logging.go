// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides leveled diagnostic logging for the lexrun client.
//
// Components receive a Logger at construction; there are no package-level
// loggers. The default implementation is backed by logrus, and a no-op
// logger is available for tests and callers that want silence.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled diagnostic interface used throughout the client.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// WithField returns a logger that attaches the given field to every entry.
	WithField(key string, value any) Logger
}

// =============================================================================
// LOGRUS BACKEND
// =============================================================================

type logrusLogger struct {
	entry *logrus.Entry
}

// New creates a logrus-backed Logger at the given level.
// Unknown level strings fall back to "info".
func New(level string) Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewWithOutput creates a logrus-backed Logger writing to w.
func NewWithOutput(level string, w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// =============================================================================
// NO-OP LOGGER
// =============================================================================

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

func (nopLogger) WithField(string, any) Logger { return nopLogger{} }
