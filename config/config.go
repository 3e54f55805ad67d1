// Package config loads, validates and persists the JSON configuration file
// shared by the coordinator and worker binaries.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	errConfigPathEmpty = errors.New("config path is empty")
	// ErrInvalidConfig wraps CheckConfig failures
	ErrInvalidConfig = errors.New("invalid configuration")
)

// DefaultConfig returns a fully populated configuration
func DefaultConfig() *Config {
	c := &Config{Name: "campusgrid"}
	if err := c.CheckConfig(); err != nil {
		// defaults can only fail if the constants disagree with CheckConfig
		panic(err)
	}
	return c
}

// LoadConfig reads the file at path, backfills defaults and validates. An
// empty path yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to parse config %s: %w", path, err)
	}
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig writes the config as indented JSON, creating parent directories
func (c *Config) SaveConfig(path string) error {
	if path == "" {
		return errConfigPathEmpty
	}
	data, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CheckConfig backfills unset fields with defaults and rejects values the
// coordinator cannot operate with
func (c *Config) CheckConfig() error {
	if c.Name == "" {
		c.Name = "campusgrid"
	}
	if c.Coordinator.WorkerBind == "" {
		c.Coordinator.WorkerBind = DefaultWorkerBind
	}
	if c.Coordinator.APIBind == "" {
		c.Coordinator.APIBind = DefaultAPIBind
	}
	if c.Coordinator.HeartbeatIntervalS <= 0 {
		c.Coordinator.HeartbeatIntervalS = int(DefaultHeartbeatInterval.Seconds())
	}
	if c.Coordinator.StallGraceS <= 0 {
		c.Coordinator.StallGraceS = 2 * c.Coordinator.HeartbeatIntervalS
	}
	if c.Coordinator.ReaperIntervalS <= 0 {
		c.Coordinator.ReaperIntervalS = int(DefaultReaperInterval.Seconds())
	}
	if c.Coordinator.MaxJobTimeoutS <= 0 {
		c.Coordinator.MaxJobTimeoutS = DefaultMaxJobTimeout
	}
	if c.Coordinator.MaxFrameBytes <= 0 {
		c.Coordinator.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.Coordinator.OutboundQueue <= 0 {
		c.Coordinator.OutboundQueue = DefaultOutboundQueue
	}

	if c.Credits.StartingGrant < 0 {
		return fmt.Errorf("%w: starting grant cannot be negative", ErrInvalidConfig)
	}
	if c.Credits.StartingGrant == 0 {
		c.Credits.StartingGrant = DefaultStartingGrant
	}
	if c.Credits.TimeoutRefundDenominator == 0 {
		c.Credits.TimeoutRefundNumerator = DefaultTimeoutRefundNumerator
		c.Credits.TimeoutRefundDenominator = DefaultTimeoutRefundDenominator
	}
	if c.Credits.TimeoutRefundNumerator < 0 ||
		c.Credits.TimeoutRefundNumerator > c.Credits.TimeoutRefundDenominator {
		return fmt.Errorf("%w: timeout refund ratio %d/%d",
			ErrInvalidConfig,
			c.Credits.TimeoutRefundNumerator,
			c.Credits.TimeoutRefundDenominator)
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver != "sqlite" {
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Database.DataDir == "" {
		c.Database.DataDir = filepath.Join(".", "campusgrid-data")
	}

	if c.Sandbox.Image == "" {
		c.Sandbox.Image = DefaultSandboxImage
	}
	if c.Sandbox.MaxStdoutBytes <= 0 {
		c.Sandbox.MaxStdoutBytes = DefaultMaxStdoutBytes
	}
	if c.Sandbox.MaxArtifactBytes <= 0 {
		c.Sandbox.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if c.Sandbox.PidsLimit <= 0 {
		c.Sandbox.PidsLimit = DefaultPidsLimit
	}
	return nil
}
