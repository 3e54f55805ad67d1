package log

import (
	"errors"
	"fmt"
	"time"
)

var errUnknownSubLogger = errors.New("unknown sublogger")

func (sl *SubLogger) stage(header, msg string) {
	if sl == nil || sl.output == nil {
		return
	}
	fmt.Fprintf(sl.output, "%s%s%s%s%s%s%s\n",
		time.Now().Format(timestampFormat), spacer, sl.name, spacer, header, spacer, msg)
}

// Info takes a pointer sublogger and logs an info-level string
func Info(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Info {
		return
	}
	sl.stage("INFO", data)
}

// Infoln logs info-level space-joined operands
func Infoln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Info {
		return
	}
	sl.stage("INFO", fmt.Sprintln(v...))
}

// Infof logs a formatted info-level message
func Infof(sl *SubLogger, data string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Info {
		return
	}
	sl.stage("INFO", fmt.Sprintf(data, v...))
}

// Debug takes a pointer sublogger and logs a debug-level string
func Debug(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Debug {
		return
	}
	sl.stage("DEBUG", data)
}

// Debugln logs debug-level space-joined operands
func Debugln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Debug {
		return
	}
	sl.stage("DEBUG", fmt.Sprintln(v...))
}

// Debugf logs a formatted debug-level message
func Debugf(sl *SubLogger, data string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Debug {
		return
	}
	sl.stage("DEBUG", fmt.Sprintf(data, v...))
}

// Warn takes a pointer sublogger and logs a warn-level string
func Warn(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Warn {
		return
	}
	sl.stage("WARN", data)
}

// Warnln logs warn-level space-joined operands
func Warnln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Warn {
		return
	}
	sl.stage("WARN", fmt.Sprintln(v...))
}

// Warnf logs a formatted warn-level message
func Warnf(sl *SubLogger, data string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Warn {
		return
	}
	sl.stage("WARN", fmt.Sprintf(data, v...))
}

// Error takes a pointer sublogger and logs an error-level string
func Error(sl *SubLogger, data string) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Error {
		return
	}
	sl.stage("ERROR", data)
}

// Errorln logs error-level space-joined operands
func Errorln(sl *SubLogger, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Error {
		return
	}
	sl.stage("ERROR", fmt.Sprintln(v...))
}

// Errorf logs a formatted error-level message
func Errorf(sl *SubLogger, data string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if sl == nil || !enabled || !sl.levels.Error {
		return
	}
	sl.stage("ERROR", fmt.Sprintf(data, v...))
}
