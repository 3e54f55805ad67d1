package log

import (
	"io"
	"sync"
)

const (
	timestampFormat = "02/01/2006 15:04:05"
	spacer          = " | "
)

// Config holds logger settings loaded from the main configuration file
type Config struct {
	Enabled    *bool             `json:"enabled"`
	Level      string            `json:"level"`
	SubLoggers []SubLoggerConfig `json:"subloggers,omitempty"`
}

// SubLoggerConfig holds a per-subsystem level override
type SubLoggerConfig struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// Levels flags for each sub logger type
type Levels struct {
	Info, Debug, Warn, Error bool
}

// SubLogger is a named logging target with its own level gates. Each
// subsystem owns one so noisy components can be silenced individually.
type SubLogger struct {
	name   string
	levels Levels
	output io.Writer
}

var (
	subLoggers = map[string]*SubLogger{}

	// Global and subsystem subloggers
	Global      *SubLogger
	Coordinator *SubLogger
	DatabaseMgr *SubLogger
	SessionMgr  *SubLogger
	SchedMgr    *SubLogger
	RegistryMgr *SubLogger
	APIServer   *SubLogger
	WorkerMgr   *SubLogger
	SandboxMgr  *SubLogger

	enabled = true

	mu = &sync.RWMutex{}
)
