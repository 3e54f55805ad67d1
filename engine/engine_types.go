package engine

import "errors"

// Subsystem lifecycle errors shared by every manager
var (
	// ErrNilSubsystem is returned when a manager method is called on nil
	ErrNilSubsystem = errors.New("subsystem is nil")
	// ErrSubSystemAlreadyStarted is returned on a duplicate Start
	ErrSubSystemAlreadyStarted = errors.New("subsystem already started")
	// ErrSubSystemNotStarted is returned on Stop before Start
	ErrSubSystemNotStarted = errors.New("subsystem not started")
)

// Shared lifecycle log fragments
const (
	MsgSubSystemStarting     = "starting..."
	MsgSubSystemStarted      = "started."
	MsgSubSystemShuttingDown = "shutting down..."
	MsgSubSystemShutdown     = "shutdown."
)
