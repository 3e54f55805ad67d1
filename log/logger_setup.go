package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// SetupGlobalLogger applies the supplied config and (re)registers the
// package subloggers. Safe to call more than once; later calls reset levels.
func SetupGlobalLogger(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := "INFO|WARN|ERROR"
	if cfg != nil {
		if cfg.Enabled != nil {
			enabled = *cfg.Enabled
		}
		if cfg.Level != "" {
			level = cfg.Level
		}
	}

	Global = registerSubLogger("LOG", level)
	Coordinator = registerSubLogger("COORDINATOR", level)
	DatabaseMgr = registerSubLogger("DATABASE", level)
	SessionMgr = registerSubLogger("SESSION", level)
	SchedMgr = registerSubLogger("SCHEDULER", level)
	RegistryMgr = registerSubLogger("REGISTRY", level)
	APIServer = registerSubLogger("APISERVER", level)
	WorkerMgr = registerSubLogger("WORKER", level)
	SandboxMgr = registerSubLogger("SANDBOX", level)

	if cfg != nil {
		for i := range cfg.SubLoggers {
			sl, ok := subLoggers[strings.ToUpper(cfg.SubLoggers[i].Name)]
			if !ok {
				return fmt.Errorf("%w: %s", errUnknownSubLogger, cfg.SubLoggers[i].Name)
			}
			sl.levels = splitLevel(cfg.SubLoggers[i].Level)
		}
	}
	return nil
}

// SetOutput redirects every registered sublogger, used by tests
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	for _, sl := range subLoggers {
		sl.output = w
	}
}

func registerSubLogger(name, level string) *SubLogger {
	sl, ok := subLoggers[name]
	if !ok {
		sl = &SubLogger{name: name, output: os.Stdout}
		subLoggers[name] = sl
	}
	sl.levels = splitLevel(level)
	return sl
}

func splitLevel(level string) Levels {
	var l Levels
	for _, c := range strings.Split(strings.ToUpper(level), "|") {
		switch strings.TrimSpace(c) {
		case "DEBUG":
			l.Debug = true
		case "INFO":
			l.Info = true
		case "WARN":
			l.Warn = true
		case "ERROR":
			l.Error = true
		}
	}
	return l
}

func init() {
	_ = SetupGlobalLogger(nil)
}
