package ctx

import (
	"fmt"

	"github.com/plan-systems/klog"
)

func init() {
	klog.InitFlags(nil)
	klog.SetFormatter(&klog.FmtConstWidth{
		FileNameCharWidth: 20,
		UseColor:          true,
	})
}

// Logger wraps klog with a per-instance label prefix and leveled verbosity.
type Logger struct {
	hasPrefix bool
	logPrefix string
	logLabel  string
}

// SetLogLabel sets the label prepended to all entries logged.
func (l *Logger) SetLogLabel(inLabel string) {
	l.logLabel = inLabel
	l.hasPrefix = len(inLabel) > 0
	if l.hasPrefix {
		l.logPrefix = fmt.Sprintf("%s>> ", inLabel)
	}
}

// GetLogLabel returns the label set via SetLogLabel.
func (l *Logger) GetLogLabel() string {
	return l.logLabel
}

// LogV reports whether logging is enabled at the given verbose level.
func (l *Logger) LogV(inVerboseLevel int32) bool {
	return klog.V(klog.Level(inVerboseLevel)).Enabled()
}

// Info logs to the INFO log.
//
// Verbose level conventions:
//   0. important high-level info, enabled in production.
//   1. state/mode/connection changes, enabled during development.
//   2. low-level debugging and troubleshooting.
func (l *Logger) Info(inVerboseLevel int32, args ...interface{}) {
	logIt := true
	if inVerboseLevel > 0 {
		logIt = klog.V(klog.Level(inVerboseLevel)).Enabled()
	}

	if logIt {
		if l.hasPrefix {
			klog.InfoDepth(1, l.logPrefix, fmt.Sprint(args...))
		} else {
			klog.InfoDepth(1, args...)
		}
	}
}

// Infof logs to the INFO log; arguments are handled like fmt.Printf.
func (l *Logger) Infof(inVerboseLevel int32, inFormat string, args ...interface{}) {
	logIt := true
	if inVerboseLevel > 0 {
		logIt = klog.V(klog.Level(inVerboseLevel)).Enabled()
	}

	if logIt {
		if l.hasPrefix {
			klog.InfoDepth(1, l.logPrefix, fmt.Sprintf(inFormat, args...))
		} else {
			klog.InfoDepth(1, fmt.Sprintf(inFormat, args...))
		}
	}
}

// Warn logs to the WARNING and INFO logs.
//
// Warnings flag an inconsistency that does not by itself break correctness
// or expected behavior.
func (l *Logger) Warn(args ...interface{}) {
	if l.hasPrefix {
		klog.WarningDepth(1, l.logPrefix, fmt.Sprint(args...))
	} else {
		klog.WarningDepth(1, args...)
	}
}

// Warnf logs to the WARNING and INFO logs; arguments are handled like fmt.Printf.
func (l *Logger) Warnf(inFormat string, args ...interface{}) {
	if l.hasPrefix {
		klog.WarningDepth(1, l.logPrefix, fmt.Sprintf(inFormat, args...))
	} else {
		klog.WarningDepth(1, fmt.Sprintf(inFormat, args...))
	}
}

// Error logs to the ERROR, WARNING, and INFO logs.
//
// Errors mean correctness or expected behavior is broken or under threat.
func (l *Logger) Error(args ...interface{}) {
	if l.hasPrefix {
		klog.ErrorDepth(1, l.logPrefix, fmt.Sprint(args...))
	} else {
		klog.ErrorDepth(1, args...)
	}
}

// Errorf logs to the ERROR, WARNING, and INFO logs; arguments are handled
// like fmt.Printf.
func (l *Logger) Errorf(inFormat string, args ...interface{}) {
	if l.hasPrefix {
		klog.ErrorDepth(1, l.logPrefix, fmt.Sprintf(inFormat, args...))
	} else {
		klog.ErrorDepth(1, fmt.Sprintf(inFormat, args...))
	}
}

// Fatalf logs to the FATAL, ERROR, WARNING, and INFO logs then exits.
func (l *Logger) Fatalf(inFormat string, args ...interface{}) {
	if l.hasPrefix {
		klog.FatalDepth(1, l.logPrefix, fmt.Sprintf(inFormat, args...))
	} else {
		klog.FatalDepth(1, fmt.Sprintf(inFormat, args...))
	}
}

var gLogger = Logger{}

// Fatalf logs to the FATAL logs via the package-level Logger then exits.
func Fatalf(inFormat string, args ...interface{}) {
	gLogger.Fatalf(inFormat, args...)
}
