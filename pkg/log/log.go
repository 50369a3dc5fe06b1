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

package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError

	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits the process.
	Fatal(format string, args ...interface{})
	// Block formats and emits a multiline message with a per-line prefix.
	Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{})
	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline informational message.
	InfoBlock(prefix string, format string, args ...interface{})
	// DebugEnabled checks if debug messages are enabled for this logger.
	DebugEnabled() bool
	// EnableDebug enables/disables debug messages, returning the previous state.
	EnableDebug(enabled bool) bool
	// Source returns the source of this logger.
	Source() string
}

// logging encapsulates the full state of the logging package.
type logging struct {
	sync.RWMutex
	loggers map[string]*logger // loggers by source
	level   Level              // logging severity threshold
	debug   srcmap             // debug enabled/disabled per source
}

// logger implements Logger for a single source.
type logger struct {
	source string // source tag, prefixed to every message
	debug  bool   // debug messages enabled
}

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

var (
	log = &logging{
		loggers: make(map[string]*logger),
		level:   LevelInfo,
		debug:   srcmap{},
	}
	deflog = log.get("default")
)

// NewLogger creates a logger instance for the given source.
func NewLogger(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// Get returns the logger for the given source, creating one if necessary.
func Get(source string) Logger {
	return NewLogger(source)
}

// Default returns the default logger instance.
func Default() Logger {
	return deflog
}

// SetLevel sets the logging severity threshold.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
	for _, l := range log.loggers {
		l.debug = log.debugEnabled(l.source)
	}
}

// EnableDebug enables/disables debug messages for the given sources. A source of
// "all" or "*" applies to every source without a more specific setting.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		log.debug[src] = true
	}
	for _, l := range log.loggers {
		l.debug = log.debugEnabled(l.source)
	}
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// get returns the logger for a source, creating one if necessary. Called with log locked.
func (l *logging) get(source string) *logger {
	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := &logger{source: source, debug: l.debugEnabled(source)}
	l.loggers[source] = lg
	return lg
}

// debugEnabled checks the debug state for a source. Called with log locked.
func (l *logging) debugEnabled(source string) bool {
	if enabled, ok := l.debug[source]; ok {
		return enabled
	}
	if enabled, ok := l.debug["*"]; ok {
		return enabled
	}
	return l.level <= LevelDebug
}

func (l *logger) prefix(format string) string {
	return l.source + ": " + format
}

// Debug emits a debug message, if enabled for this source.
func (l *logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	klog.InfoDepth(1, fmt.Sprintf(l.prefix("D: "+format), args...))
}

// Info emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	klog.InfoDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

// Warn emits a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	klog.WarningDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

// Error emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

// Fatal emits an error message and exits the process.
func (l *logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, fmt.Sprintf(l.prefix(format), args...))
	klog.Flush()
	os.Exit(1)
}

// Block emits a multiline message, prefixing every line.
func (l *logger) Block(fn func(string, ...interface{}), prefix string, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}

// DebugBlock emits a multiline debug message.
func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.Block(l.Debug, prefix, format, args...)
}

// InfoBlock emits a multiline informational message.
func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.Block(l.Info, prefix, format, args...)
}

// DebugEnabled checks if debug messages are enabled for this logger.
func (l *logger) DebugEnabled() bool {
	return l.debug
}

// EnableDebug enables/disables debug messages for this logger.
func (l *logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	prev := l.debug
	l.debug = enabled
	log.debug[l.source] = enabled
	return prev
}

// Source returns the source of this logger.
func (l *logger) Source() string {
	return l.source
}

// Initialize debug logging from the environment.
func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		sources := []string{}
		for _, src := range strings.Split(value, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
		if len(sources) > 0 {
			EnableDebug(sources...)
			deflog.Info("seeded debug flags ($%s): %s", debugEnvVar, strings.Join(sources, ","))
		}
	}
}
