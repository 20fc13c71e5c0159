/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package logging is the level- and category-filtered log used across
PeerTalk. Filtering happens before any formatting cost; output fans out
to any subset of console (logrus), file and callback sinks.

The interrupt-context guarantee of the C heritage maps to an import
rule here: the queue producer paths must not call into this package.
The queue package enforces that by not importing it.
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the log severity threshold
type Level uint8

// Levels, most severe first. A message passes when its level is at or
// below the configured threshold; None drops everything.
const (
	None Level = iota
	Err
	Warn
	Info
	Debug
)

// String representation of a Level
func (l Level) String() string {
	switch l {
	case None:
		return "NONE"
	case Err:
		return "ERR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	default:
		return "?"
	}
}

// Category is a bitmask of log subsystems
type Category uint16

// Categories
const (
	General  Category = 1 << 0
	Network  Category = 1 << 1
	Memory   Category = 1 << 2
	Protocol Category = 1 << 3
	Perf     Category = 1 << 4
	App1     Category = 1 << 5
	App2     Category = 1 << 6
	App3     Category = 1 << 7
	App4     Category = 1 << 8

	AllCategories Category = 0xffff
)

// Sink is a bitmask of log outputs; any subset may be enabled
type Sink uint8

// Sinks
const (
	Console  Sink = 1 << 0
	File     Sink = 1 << 1
	Callback Sink = 1 << 2
)

// LogFunc receives formatted messages on the callback sink
type LogFunc func(level Level, cat Category, msg string)

// Logger filters by level and category, then fans out to the enabled
// sinks
type Logger struct {
	mu       sync.Mutex
	level    Level
	cats     Category
	sinks    Sink
	file     io.Writer
	callback LogFunc
	perfCb   PerfFunc
	perfSeq  uint32
	start    time.Time
	console  *logrus.Logger
}

// New returns a logger at Info level, all categories, console sink only
func New() *Logger {
	console := logrus.New()
	console.SetOutput(os.Stderr)
	return &Logger{
		level:   Info,
		cats:    AllCategories,
		sinks:   Console,
		start:   time.Now(),
		console: console,
	}
}

// SetLevel sets the severity threshold
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	switch level {
	case Debug:
		l.console.SetLevel(logrus.DebugLevel)
	case Info:
		l.console.SetLevel(logrus.InfoLevel)
	case Warn:
		l.console.SetLevel(logrus.WarnLevel)
	default:
		l.console.SetLevel(logrus.ErrorLevel)
	}
}

// EnableCategories sets the category mask
func (l *Logger) EnableCategories(cats Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cats = cats
}

// SetSinks sets the output sink mask
func (l *Logger) SetSinks(sinks Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = sinks
}

// SetFile directs the file sink to w
func (l *Logger) SetFile(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file = w
}

// SetCallback directs the callback sink to fn
func (l *Logger) SetCallback(fn LogFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = fn
}

// enabled is the cheap pre-format filter
func (l *Logger) enabled(level Level, cat Category) bool {
	return level <= l.level && l.cats&cat != 0
}

func (l *Logger) emit(level Level, cat Category, format string, args ...interface{}) {
	l.mu.Lock()
	if !l.enabled(level, cat) {
		l.mu.Unlock()
		return
	}
	sinks := l.sinks
	file := l.file
	callback := l.callback
	elapsed := time.Since(l.start).Milliseconds()
	l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if sinks&Console != 0 {
		switch level {
		case Err:
			l.console.Error(msg)
		case Warn:
			l.console.Warn(msg)
		case Info:
			l.console.Info(msg)
		case Debug:
			l.console.Debug(msg)
		}
	}
	if sinks&File != 0 && file != nil {
		fmt.Fprintf(file, "[%d][%s] %s\n", elapsed, level, msg)
	}
	if sinks&Callback != 0 && callback != nil {
		callback(level, cat, msg)
	}
}

// Errorf logs at ERR level
func (l *Logger) Errorf(cat Category, format string, args ...interface{}) {
	l.emit(Err, cat, format, args...)
}

// Warnf logs at WARN level
func (l *Logger) Warnf(cat Category, format string, args ...interface{}) {
	l.emit(Warn, cat, format, args...)
}

// Infof logs at INFO level
func (l *Logger) Infof(cat Category, format string, args ...interface{}) {
	l.emit(Info, cat, format, args...)
}

// Debugf logs at DEBUG level
func (l *Logger) Debugf(cat Category, format string, args ...interface{}) {
	l.emit(Debug, cat, format, args...)
}

var std = New()

// Default returns the package-level logger
func Default() *Logger {
	return std
}

// Errorf logs to the package-level logger
func Errorf(cat Category, format string, args ...interface{}) {
	std.Errorf(cat, format, args...)
}

// Warnf logs to the package-level logger
func Warnf(cat Category, format string, args ...interface{}) {
	std.Warnf(cat, format, args...)
}

// Infof logs to the package-level logger
func Infof(cat Category, format string, args ...interface{}) {
	std.Infof(cat, format, args...)
}

// Debugf logs to the package-level logger
func Debugf(cat Category, format string, args ...interface{}) {
	std.Debugf(cat, format, args...)
}
