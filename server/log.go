/*
 * Copyright (c) 2024, Lightway Server Contributors
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lightway-server/lightway/common/errors"
)

// ContextLogger adds context logging functionality to the underlying
// logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

var log = &ContextLogger{Logger: defaultLogger()}

func defaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.InfoLevel
	logger.Formatter = &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
		},
	}
	return logger
}

// WithContext adds a "context" field containing the caller's function
// name and source file line number. Use this function when the log has
// no fields.
func (logger *ContextLogger) WithContext() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"context": callerContext(),
		})
}

// WithContextFields adds a "context" field containing the caller's
// function name and source file line number. Any existing "context"
// field is renamed to "fields.context".
func (logger *ContextLogger) WithContextFields(fields LogFields) *logrus.Entry {
	if _, ok := fields["context"]; ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = callerContext()
	return logger.WithFields(logrus.Fields(fields))
}

// WithTrace adds a "context" field containing the caller stack frame and
// an "error" field holding the given error unchanged.
func (logger *ContextLogger) WithTrace(err error) *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"context": callerContext(),
			"error":   err,
		})
}

func callerContext() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if index := strings.LastIndex(name, "/"); index != -1 {
		name = name[index+1:]
	}
	return fmt.Sprintf("%s#%d", name, line)
}

// InitLogging configures the package logger. Must be called before
// Server.Run; it is not safe to call concurrently with logging.
func InitLogging(logLevel, logFormat string) error {

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Trace(err)
	}
	log.Level = level

	switch logFormat {
	case "", "json":
		log.Formatter = &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
			},
		}
	case "text":
		log.Formatter = &logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		}
	default:
		return errors.Tracef("unsupported log format: %s", logFormat)
	}
	return nil
}

// packetLogLimiter throttles per-packet error logging; malformed or
// undecryptable packets can arrive at line rate.
var packetLogLimiter = rate.NewLimiter(rate.Every(time.Second), 10)

func logPacketError(message string, err error, fields LogFields) {
	if !packetLogLimiter.Allow() {
		return
	}
	if fields == nil {
		fields = LogFields{}
	}
	fields["error"] = err
	log.WithContextFields(fields).Warning(message)
}
