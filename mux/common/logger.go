package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

// LoggerNames lists the loggers used by the multiplexer packages
var LoggerNames = []string{"mux", "mux/pipe", "transport"}

// levelLabels are printed in front of every line
var levelLabels = map[logger.LogLevel]string{
	logger.DEBUG:    "DEBUG",
	logger.INFO:     "INFO",
	logger.WARNING:  "WARN",
	logger.ERROR:    "ERROR",
	logger.CRITICAL: "PANIC",
}

// sink is the writer shared by all loggers, lines of concurrent nodes never interleave
var sink = struct {
	mu sync.Mutex
	w  io.Writer
}{w: os.Stdout}

// the factory can be installed only once per process
var installFactory sync.Once

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// muxLogger writes lines like
//
//	2025-01-02 15:04:05.000000 WARN  | mux             | node 0: pipe 3 ...
type muxLogger struct {
	name  string
	level atomic.Int32
}

func (l *muxLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *muxLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args...)
}

func (l *muxLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args...)
}

func (l *muxLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args...)
}

func (l *muxLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args...)
}

// Panicf logs the message at any level and panics with it
func (l *muxLogger) Panicf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.write(logger.CRITICAL, message)
	panic(message)
}

func (l *muxLogger) logf(level logger.LogLevel, format string, args ...interface{}) {
	if level > logger.LogLevel(l.level.Load()) {
		return
	}
	l.write(level, fmt.Sprintf(format, args...))
}

func (l *muxLogger) write(level logger.LogLevel, message string) {
	line := fmt.Sprintf("%s %-5s | %-15s | %s\n",
		time.Now().Format("2006-01-02 15:04:05.000000"), levelLabels[level], l.name, message)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	_, _ = io.WriteString(sink.w, line)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger is the logger.Factory used for every dMux logger, new loggers log at INFO
func CreateLogger(pkgName string) logger.ILogger {
	l := &muxLogger{name: pkgName}
	l.SetLevel(logger.INFO)
	return l
}

// SetLogOutput redirects every logger created by CreateLogger to w. The returned
// function restores the previous writer.
func SetLogOutput(w io.Writer) (restore func()) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	previous := sink.w
	sink.w = w
	return func() {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		sink.w = previous
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom logger factory and applies the configured level.
// Loggers that already wrote a line before the first call keep dragonboat's default
// format, so call it before starting any multiplexer. The level is process wide.
func InitLoggers(config MuxConfig) error {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	installFactory.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})
	SetLogLevel(level)
	return nil
}

// SetLogLevel changes the level of every multiplexer logger
func SetLogLevel(level logger.LogLevel) {
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(level)
	}
}
