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

// --------------------------------------------------------------------------
// Engine Logger (logger.ILogger)
// --------------------------------------------------------------------------

// levelTags are the tags printed in front of a line, per level
var levelTags = map[logger.LogLevel]string{
	logger.DEBUG:   "DEBUG",
	logger.INFO:    "INFO",
	logger.WARNING: "WARN",
	logger.ERROR:   "ERROR",
}

// engineLogger writes one line per message: time, level tag, logger name.
// The level can be changed while other goroutines log.
type engineLogger struct {
	name  string
	level atomic.Int32

	mu  *sync.Mutex
	out io.Writer
	now func() time.Time
}

// outMu serializes lines of all loggers sharing os.Stderr
var outMu sync.Mutex

func newEngineLogger(name string, out io.Writer, mu *sync.Mutex) *engineLogger {
	l := &engineLogger{name: name, out: out, mu: mu, now: time.Now}
	l.level.Store(int32(logger.INFO))
	return l
}

func (l *engineLogger) SetLevel(level logger.LogLevel) { l.level.Store(int32(level)) }

func (l *engineLogger) Debugf(format string, args ...interface{}) {
	l.logf(logger.DEBUG, format, args)
}

func (l *engineLogger) Infof(format string, args ...interface{}) {
	l.logf(logger.INFO, format, args)
}

func (l *engineLogger) Warningf(format string, args ...interface{}) {
	l.logf(logger.WARNING, format, args)
}

func (l *engineLogger) Errorf(format string, args ...interface{}) {
	l.logf(logger.ERROR, format, args)
}

func (l *engineLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logf(logger.ERROR, "%s", []interface{}{msg})
	panic(msg)
}

func (l *engineLogger) logf(level logger.LogLevel, format string, args []interface{}) {
	if logger.LogLevel(l.level.Load()) < level {
		return
	}
	line := fmt.Sprintf("%s %-5s | %-13s | %s\n",
		l.now().Format("2006/01/02 15:04:05"), levelTags[level], l.name, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line)
}

// CreateLogger is the logger.Factory of the engine. Lines go to stderr,
// stdout is reserved for command output.
func CreateLogger(pkgName string) logger.ILogger {
	return newEngineLogger(pkgName, os.Stderr, &outMu)
}

// --------------------------------------------------------------------------
// Levels
// --------------------------------------------------------------------------

// ParseLogLevel maps debug, info, warn(ing) and error to a level, an empty
// string is info
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	}
	return 0, fmt.Errorf("invalid log level %q, use debug, info, warn or error", level)
}

// LoggerNames lists the loggers of the engine packages
var LoggerNames = []string{
	"socketref",
	"mux",
	"cluster",
	"batch",
	"codec",
	"transport/ipc",
	"rpc",
}

var factoryOnce sync.Once

// InitLoggers switches dragonboat's logger registry to the engine format and
// applies level to every engine logger. It is safe to call more than once.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	factoryOnce.Do(func() { logger.SetLoggerFactory(CreateLogger) })
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
