// Package config loads and validates the agent's YAML configuration file.
//
// Every string-valued key is also exported into the environment of each phase
// command, so per-device connector scripts can read agent_id, location, and
// friends without a wrapper. Timeout keys are caps: the effective timeout of
// a run is the minimum of the job's request, the configured value, and the
// hard ceiling.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/canonical/testflinger/internal/types"
)

const (
	// DefaultPollingInterval is the pause between job polls, in seconds.
	DefaultPollingInterval = 10

	// DefaultGlobalTimeout caps a phase at 4 hours unless the job or config
	// asks for less.
	DefaultGlobalTimeout = 14400

	// DefaultOutputTimeout kills a silent test phase after 15 minutes.
	DefaultOutputTimeout = 900

	// DefaultOutputBytes truncates a phase log at 10 MiB.
	DefaultOutputBytes = 10 << 20
)

// Config is the agent configuration. Field names follow the YAML keys.
type Config struct {
	AgentID          string   `yaml:"agent_id"`
	ServerAddress    string   `yaml:"server_address"`
	PollingInterval  int      `yaml:"polling_interval"` // seconds
	ExecutionBasedir string   `yaml:"execution_basedir"`
	LoggingBasedir   string   `yaml:"logging_basedir"`
	ResultsBasedir   string   `yaml:"results_basedir"`
	LoggingLevel     string   `yaml:"logging_level"`
	LoggingQuiet     bool     `yaml:"logging_quiet"`
	Location         string   `yaml:"location"`
	JobQueues        []string `yaml:"job_queues"`

	SetupCommand          string `yaml:"setup_command"`
	ProvisionCommand      string `yaml:"provision_command"`
	FirmwareUpdateCommand string `yaml:"firmware_update_command"`
	TestCommand           string `yaml:"test_command"`
	AllocateCommand       string `yaml:"allocate_command"`
	ReserveCommand        string `yaml:"reserve_command"`
	CleanupCommand        string `yaml:"cleanup_command"`

	GlobalTimeout int `yaml:"global_timeout"` // seconds
	OutputTimeout int `yaml:"output_timeout"` // seconds
	OutputBytes   int `yaml:"output_bytes"`

	// AdvertisedQueues maps queue name to a human-readable description shown
	// by the CLI's queue listing. AdvertisedImages maps queue name to its
	// image catalog (image name to provision data). Both are pushed to the
	// server at startup.
	AdvertisedQueues map[string]string            `yaml:"advertised_queues"`
	AdvertisedImages map[string]map[string]string `yaml:"advertised_images"`
}

// Load reads the YAML file at path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddress == "" {
		c.ServerAddress = "http://127.0.0.1:8000"
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = DefaultGlobalTimeout
	}
	if c.OutputTimeout <= 0 {
		c.OutputTimeout = DefaultOutputTimeout
	}
	if c.OutputBytes <= 0 {
		c.OutputBytes = DefaultOutputBytes
	}
	base := filepath.Join(os.TempDir(), "testflinger")
	if c.ExecutionBasedir == "" {
		c.ExecutionBasedir = filepath.Join(base, "run")
	}
	if c.LoggingBasedir == "" {
		c.LoggingBasedir = filepath.Join(base, "logs")
	}
	if c.ResultsBasedir == "" {
		c.ResultsBasedir = filepath.Join(base, "results")
	}
	if c.LoggingLevel == "" {
		c.LoggingLevel = "info"
	}
}

// Validate checks the constraints a running agent depends on.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("config: agent_id is required")
	}
	if len(c.JobQueues) == 0 {
		return fmt.Errorf("config: job_queues must list at least one queue")
	}
	return nil
}

// PhaseCommand returns the shell command configured for the given phase, or
// empty when the phase has none and should be skipped.
func (c *Config) PhaseCommand(p types.Phase) string {
	switch p {
	case types.PhaseSetup:
		return c.SetupCommand
	case types.PhaseProvision:
		return c.ProvisionCommand
	case types.PhaseFirmwareUpdate:
		return c.FirmwareUpdateCommand
	case types.PhaseTest:
		return c.TestCommand
	case types.PhaseAllocate:
		return c.AllocateCommand
	case types.PhaseReserve:
		return c.ReserveCommand
	case types.PhaseCleanup:
		return c.CleanupCommand
	}
	return ""
}

// Env returns the string-valued configuration keys under their YAML names,
// for injection into phase command environments. Empty values are omitted.
func (c *Config) Env() map[string]string {
	env := map[string]string{
		"agent_id":                c.AgentID,
		"server_address":          c.ServerAddress,
		"execution_basedir":       c.ExecutionBasedir,
		"logging_basedir":         c.LoggingBasedir,
		"results_basedir":         c.ResultsBasedir,
		"logging_level":           c.LoggingLevel,
		"location":                c.Location,
		"setup_command":           c.SetupCommand,
		"provision_command":       c.ProvisionCommand,
		"firmware_update_command": c.FirmwareUpdateCommand,
		"test_command":            c.TestCommand,
		"allocate_command":        c.AllocateCommand,
		"reserve_command":         c.ReserveCommand,
		"cleanup_command":         c.CleanupCommand,
	}
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}
