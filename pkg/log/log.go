// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides printf-style, source-tagged loggers on top of klog.
// Debug messages can be enabled selectively per logger source.
package log

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is a logging severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	// Debug formats and emits a debug message, if debugging is enabled for the source.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message, then panics with it.
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// DebugEnabled returns true if debugging is enabled for the source.
	DebugEnabled() bool
	// EnableDebug enables or disables debugging for the source, returning the old state.
	EnableDebug(bool) bool
	// Source returns the source of this logger.
	Source() string
}

type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	prefix  bool
	dbgmap  srcmap
	loggers map[string]*logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]*logger),
	}
	deflog = log.get("default")
)

// Get returns the logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// Default returns the default logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the lowest severity level of messages to pass through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debugging for the given source.
func EnableDebug(source string) bool {
	return log.get(source).EnableDebug(true)
}

func (l *logging) get(source string) *logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := &logger{source: source}
	l.loggers[source] = lg
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	prefix := l.prefix
	l.RUnlock()

	if !prefix {
		return msg
	}
	return "[" + source + "] " + msg
}

func (l *logging) passes(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (lg *logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, "D: "+log.format(lg.source, format, args...))
}

func (lg *logger) Info(format string, args ...interface{}) {
	if !log.passes(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg *logger) Warn(format string, args ...interface{}) {
	if !log.passes(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg *logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (lg *logger) Debugf(format string, args ...interface{}) { lg.Debug(format, args...) }
func (lg *logger) Infof(format string, args ...interface{})  { lg.Info(format, args...) }
func (lg *logger) Warnf(format string, args ...interface{})  { lg.Warn(format, args...) }
func (lg *logger) Errorf(format string, args ...interface{}) { lg.Error(format, args...) }

func (lg *logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg *logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	old := log.dbgmap[lg.source]
	log.dbgmap[lg.source] = state
	return old
}

func (lg *logger) Source() string {
	return lg.source
}

// loggerError returns a formatted logger-specific error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+strings.TrimSpace(format), args...)
}
