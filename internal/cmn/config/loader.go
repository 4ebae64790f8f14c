package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CLASHCTL"
	appName   = "clashctl"
)

// Loader reads and merges configuration from file, environment and defaults.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// LoaderOption defines a functional option for configuring a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit config file path instead of the search path.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// NewLoader creates a configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{v: viper.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads configuration and returns the validated Config.
// Precedence: environment variables, then the config file, then defaults.
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
		l.v.AddConfigPath("/etc/" + appName)
	}

	if err := l.v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults carry the day.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	dataDir := filepath.Join(xdg.DataHome, appName)
	engineDir := filepath.Join(dataDir, "engine")
	coreDir := filepath.Join(engineDir, "core")

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 9091)

	l.v.SetDefault("paths.dataDir", dataDir)
	l.v.SetDefault("paths.engineDir", engineDir)
	l.v.SetDefault("paths.configFile", filepath.Join(engineDir, "config.yaml"))
	l.v.SetDefault("paths.coreDir", coreDir)
	l.v.SetDefault("paths.coreBin", filepath.Join(coreDir, "mihomo"))
	l.v.SetDefault("paths.corePrevBin", filepath.Join(coreDir, "mihomo.prev"))

	l.v.SetDefault("engine.apiBaseURL", "http://127.0.0.1:9090")
	l.v.SetDefault("engine.timeout", 8*time.Second)

	l.v.SetDefault("merge.command", []string{"clashctl-merge", "merge"})
	l.v.SetDefault("merge.timeout", 240*time.Second)

	l.v.SetDefault("kernel.releaseAPIBaseURL", "https://api.github.com")
	l.v.SetDefault("kernel.defaultRepo", "MetaCubeX/mihomo")
	l.v.SetDefault("kernel.allowedRepos", []string{"MetaCubeX/mihomo"})
	l.v.SetDefault("kernel.requireChecksum", true)
	l.v.SetDefault("kernel.downloadTimeout", 10*time.Minute)
	l.v.SetDefault("kernel.selfTestTimeout", 45*time.Second)
	l.v.SetDefault("kernel.restartDelay", 2*time.Second)

	l.v.SetDefault("geo.testURL", "http://www.gstatic.com/generate_204")
	l.v.SetDefault("geo.probeTimeout", 6*time.Second)
	l.v.SetDefault("geo.providerRetryAttempts", 2)
	l.v.SetDefault("geo.providerRetryDelay", time.Second)

	l.v.SetDefault("schedule.maxHistory", 200)
	l.v.SetDefault("schedule.tickInterval", 5*time.Second)
}
