// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Config is the process-wide configuration, constructed once at start-up and
// injected into every component.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Paths    Paths    `mapstructure:"paths"`
	Engine   Engine   `mapstructure:"engine"`
	Merge    Merge    `mapstructure:"merge"`
	Kernel   Kernel   `mapstructure:"kernel"`
	Geo      Geo      `mapstructure:"geo"`
	Schedule Schedule `mapstructure:"schedule"`
}

// Server configures the operator HTTP surface.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// APIToken, when set, is required as a bearer token on every API call.
	APIToken string `mapstructure:"apiToken"`
}

// Paths locates the engine's files and the daemon's persisted state.
type Paths struct {
	// DataDir is the daemon's state directory (schedule, histories).
	DataDir string `mapstructure:"dataDir"`
	// EngineDir is the engine's working directory, passed to config dry-runs.
	EngineDir string `mapstructure:"engineDir"`
	// ConfigFile is the live engine configuration produced by the merge job.
	ConfigFile string `mapstructure:"configFile"`
	// CoreDir holds the engine binary and update temp files.
	CoreDir string `mapstructure:"coreDir"`
	// CoreBin is the live engine binary path.
	CoreBin string `mapstructure:"coreBin"`
	// CorePrevBin is the rollback copy created by every successful update.
	CorePrevBin string `mapstructure:"corePrevBin"`
}

// Engine configures access to the proxy engine's control API.
type Engine struct {
	APIBaseURL string        `mapstructure:"apiBaseURL"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// PreferredReloadPath, when set, is where the config is copied before a
	// reload for engines that restrict reload paths to safe directories.
	PreferredReloadPath string `mapstructure:"preferredReloadPath"`
}

// Merge configures the external config regeneration command.
type Merge struct {
	// Command is the merge command and its arguments.
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Kernel configures engine binary updates.
type Kernel struct {
	ReleaseAPIBaseURL string        `mapstructure:"releaseAPIBaseURL"`
	DefaultRepo       string        `mapstructure:"defaultRepo"`
	AllowedRepos      []string      `mapstructure:"allowedRepos"`
	RequireChecksum   bool          `mapstructure:"requireChecksum"`
	DownloadTimeout   time.Duration `mapstructure:"downloadTimeout"`
	SelfTestTimeout   time.Duration `mapstructure:"selfTestTimeout"`
	RestartDelay      time.Duration `mapstructure:"restartDelay"`
}

// Geo configures the geo update workflow.
type Geo struct {
	TestURL               string        `mapstructure:"testURL"`
	ProbeTimeout          time.Duration `mapstructure:"probeTimeout"`
	ProviderRetryAttempts int           `mapstructure:"providerRetryAttempts"`
	ProviderRetryDelay    time.Duration `mapstructure:"providerRetryDelay"`
}

// Schedule configures merge schedule persistence.
type Schedule struct {
	MaxHistory   int           `mapstructure:"maxHistory"`
	TickInterval time.Duration `mapstructure:"tickInterval"`
}

// Validate checks invariants that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1,65535], got %d", c.Server.Port)
	}
	if c.Engine.APIBaseURL == "" {
		return fmt.Errorf("engine.apiBaseURL must be set")
	}
	if c.Kernel.DefaultRepo == "" {
		return fmt.Errorf("kernel.defaultRepo must be set")
	}
	if !lo.Contains(c.Kernel.AllowedRepos, c.Kernel.DefaultRepo) {
		return fmt.Errorf("kernel.defaultRepo %q must be in kernel.allowedRepos", c.Kernel.DefaultRepo)
	}
	if len(c.Merge.Command) == 0 {
		return fmt.Errorf("merge.command must be set")
	}
	return nil
}

// ScheduleFile returns the path of the persisted schedule configuration.
func (p Paths) ScheduleFile() string { return p.DataDir + "/schedule.json" }

// ScheduleHistoryFile returns the path of the persisted schedule run history.
func (p Paths) ScheduleHistoryFile() string { return p.DataDir + "/schedule_history.json" }

// KernelHistoryFile returns the path of the persisted kernel update history.
func (p Paths) KernelHistoryFile() string { return p.DataDir + "/kernel_update_history.jsonl" }
