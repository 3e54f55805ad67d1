package config

import (
	"time"

	"github.com/campusgrid/campusgrid/log"
)

// Default settings applied by CheckConfig when a field is unset
const (
	DefaultWorkerBind        = "0.0.0.0:9999"
	DefaultAPIBind           = "127.0.0.1:5000"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReaperInterval    = 30 * time.Second
	DefaultMaxJobTimeout     = 3600
	DefaultJobTimeout        = 300
	DefaultMaxFrameBytes     = 16 << 20
	DefaultOutboundQueue     = 32

	DefaultStartingGrant            = 100
	DefaultTimeoutRefundNumerator   = 1
	DefaultTimeoutRefundDenominator = 2

	DefaultSandboxImage     = "python:3.11-slim"
	DefaultMaxStdoutBytes   = 1 << 20
	DefaultMaxArtifactBytes = 16 << 20
	DefaultPidsLimit        = 256
)

// CoordinatorConfig holds listener and session tuning for the coordinator
type CoordinatorConfig struct {
	WorkerBind         string `json:"workerBind"`
	APIBind            string `json:"apiBind"`
	HeartbeatIntervalS int    `json:"heartbeatIntervalSeconds"`
	StallGraceS        int    `json:"stallGraceSeconds"`
	ReaperIntervalS    int    `json:"reaperIntervalSeconds"`
	MaxJobTimeoutS     int    `json:"maxJobTimeoutSeconds"`
	MaxFrameBytes      int    `json:"maxFrameBytes"`
	OutboundQueue      int    `json:"outboundQueue"`
}

// CreditsConfig holds the monetary policy knobs
type CreditsConfig struct {
	StartingGrant            int64 `json:"startingGrant"`
	RefundOnFailure          bool  `json:"refundOnFailure"`
	TimeoutRefundNumerator   int64 `json:"timeoutRefundNumerator"`
	TimeoutRefundDenominator int64 `json:"timeoutRefundDenominator"`
}

// DatabaseConfig holds store settings; sqlite files live under DataDir
type DatabaseConfig struct {
	Driver  string `json:"driver"`
	DataDir string `json:"dataDir"`
	Verbose bool   `json:"verbose"`
}

// SandboxConfig holds worker-side execution settings
type SandboxConfig struct {
	Enabled          *bool  `json:"enabled"`
	Image            string `json:"image"`
	MaxStdoutBytes   int    `json:"maxStdoutBytes"`
	MaxArtifactBytes int    `json:"maxArtifactBytes"`
	PidsLimit        int64  `json:"pidsLimit"`
}

// Config is the top level configuration document
type Config struct {
	Name        string            `json:"name"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Credits     CreditsConfig     `json:"credits"`
	Database    DatabaseConfig    `json:"database"`
	Sandbox     SandboxConfig     `json:"sandbox"`
	Logging     log.Config        `json:"logging"`
}

// HeartbeatInterval returns the configured interval as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Coordinator.HeartbeatIntervalS) * time.Second
}

// StallGrace returns how long a running job may outlive its worker's last
// heartbeat before the reaper fails it
func (c *Config) StallGrace() time.Duration {
	return time.Duration(c.Coordinator.StallGraceS) * time.Second
}

// ReaperInterval returns the period of the stall reaper
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Coordinator.ReaperIntervalS) * time.Second
}

// SandboxEnabled reports whether container mode is active
func (c *Config) SandboxEnabled() bool {
	return c.Sandbox.Enabled == nil || *c.Sandbox.Enabled
}
