package logging

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger   = newLogger(io.Discard)
	rolling  *lumberjack.Logger
	logMutex sync.Mutex
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	l.SetOutput(out)
	l.SetLevel(logrus.DebugLevel)
	return l
}

// Init points the logger at a rotating log file. Until Init is called
// every log line is discarded, so the TUI never writes to the terminal.
func Init(logPath string, level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logMutex.Lock()
	defer logMutex.Unlock()

	if rolling != nil {
		_ = rolling.Close()
	}
	rolling = &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    1, // megabytes
		MaxBackups: 10,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger.SetOutput(rolling)
	logger.SetLevel(lvl)
	return nil
}

// SetOutput redirects log output, mainly for tests
func SetOutput(out io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logger.SetOutput(out)
}

// Close flushes and closes the log file opened by Init
func Close() error {
	logMutex.Lock()
	defer logMutex.Unlock()
	logger.SetOutput(io.Discard)
	if rolling == nil {
		return nil
	}
	err := rolling.Close()
	rolling = nil
	return err
}

// Logger exposes the underlying logrus logger for structured fields
func Logger() *logrus.Logger {
	return logger
}

func LogDebug(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

func LogInfo(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func LogWarn(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func LogError(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// WithTunnel returns an entry tagged with the tunnel name
func WithTunnel(name string) *logrus.Entry {
	return logger.WithField("tunnel", name)
}
