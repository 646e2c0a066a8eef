// Package logging is Scout's package-level logging facade, in the style
// of the teacher's secondary/logging: a small set of level-gated printf
// helpers rather than a structured third-party logger.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

type Level int32

const (
	Silent Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

func (l Level) String() string {
	switch l {
	case Silent:
		return "Silent"
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	case Trace:
		return "Trace"
	default:
		return "Unknown"
	}
}

var currentLevel int32 = int32(Info)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// SetLevel changes the global verbosity. Safe for concurrent use.
func SetLevel(l Level) {
	atomic.StoreInt32(&currentLevel, int32(l))
}

func GetLevel() Level {
	return Level(atomic.LoadInt32(&currentLevel))
}

func enabled(l Level) bool {
	return int32(l) <= atomic.LoadInt32(&currentLevel)
}

func logf(l Level, format string, args ...interface{}) {
	if !enabled(l) {
		return
	}
	std.Output(3, "["+l.String()+"] "+fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) { logf(Error, format, args...) }
func Warnf(format string, args ...interface{})  { logf(Warn, format, args...) }
func Infof(format string, args ...interface{})  { logf(Info, format, args...) }
func Debugf(format string, args ...interface{}) { logf(Debug, format, args...) }
func Tracef(format string, args ...interface{}) { logf(Trace, format, args...) }

// Fatalf logs at Error level and terminates the process. Reserved for
// startup failures (e.g. a corrupt VERSION file with no upgrade path);
// never called from within the scheduler loop itself, which must survive
// per-task and per-batch failures.
func Fatalf(format string, args ...interface{}) {
	logf(Error, format, args...)
	os.Exit(1)
}
