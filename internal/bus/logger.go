// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package bus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/xammer/xamops/internal/logging"
)

// watermillLogger adapts Watermill's LoggerAdapter to zerolog so bus
// internals log through the application logger.
type watermillLogger struct {
	logger zerolog.Logger
}

func newWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{
		logger: logging.With().Str("component", "update-bus").Logger(),
	}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg) // watermill info is noise at our info level
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := l.logger
	for k, v := range fields {
		child = child.With().Interface(k, v).Logger()
	}
	return &watermillLogger{logger: child}
}

func (l *watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
