// Package cclog defines the logging functions (e.g. Info, Errorf, etc.)
// used throughout cascade. All output goes to stderr.
package cclog

import (
	"os"

	logger "github.com/jcgregorio/logger"
)

type severity int

const (
	debugSeverity severity = iota
	infoSeverity
	warningSeverity
	errorSeverity
	fatalSeverity
)

var lg *logger.Logger

func init() {
	lg = logger.NewFromOptions(&logger.Options{
		SyncWriter:   os.Stderr,
		DepthDelta:   2,
		IncludeDebug: true,
	})
}

func log(s severity, format string, args ...interface{}) {
	switch s {
	case debugSeverity:
		if format == "" {
			lg.Debug(args...)
		} else {
			lg.Debugf(format, args...)
		}
	case infoSeverity:
		if format == "" {
			lg.Info(args...)
		} else {
			lg.Infof(format, args...)
		}
	case warningSeverity:
		if format == "" {
			lg.Warning(args...)
		} else {
			lg.Warningf(format, args...)
		}
	case errorSeverity:
		if format == "" {
			lg.Error(args...)
		} else {
			lg.Errorf(format, args...)
		}
	case fatalSeverity:
		if format == "" {
			lg.Fatal(args...)
		} else {
			lg.Fatalf(format, args...)
		}
	default:
		lg.Errorf(format, args...)
	}
}

// Functions to log at various levels.
// Debug, Info, Warning, Error, and Fatal use fmt.Sprint to format the
// arguments. Functions ending in f use fmt.Sprintf.
func Debug(msg ...interface{}) {
	log(debugSeverity, "", msg...)
}

func Debugf(format string, v ...interface{}) {
	log(debugSeverity, format, v...)
}

func Info(msg ...interface{}) {
	log(infoSeverity, "", msg...)
}

func Infof(format string, v ...interface{}) {
	log(infoSeverity, format, v...)
}

func Warning(msg ...interface{}) {
	log(warningSeverity, "", msg...)
}

func Warningf(format string, v ...interface{}) {
	log(warningSeverity, format, v...)
}

func Error(msg ...interface{}) {
	log(errorSeverity, "", msg...)
}

func Errorf(format string, v ...interface{}) {
	log(errorSeverity, format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	log(fatalSeverity, "", msg...)
}

func Fatalf(format string, v ...interface{}) {
	log(fatalSeverity, format, v...)
}

// Flush is kept for call-site compatibility with syncing backends; the
// stderr backend writes through, so there is nothing to do.
func Flush() {}
