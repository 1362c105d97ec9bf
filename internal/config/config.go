package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/platform"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/schedule"
	"github.com/polzovatel/ai-agent-for-job-boards/internal/store"
)

const (
	envPrefix  = "JOBPILOT"
	configName = "jobpilot"
)

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type BrowserConfig struct {
	Headless   bool          `mapstructure:"headless"`
	StorageDir string        `mapstructure:"storage_dir"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
}

type RateConfig struct {
	MaxActions int           `mapstructure:"max_actions"`
	Window     time.Duration `mapstructure:"window"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type ExecutorConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	AttemptTimeout      time.Duration `mapstructure:"attempt_timeout"`
}

type HealerConfig struct {
	CacheDir       string  `mapstructure:"cache_dir"`
	MinConfidence  float64 `mapstructure:"min_confidence"`
	MaxFailures    int     `mapstructure:"max_failures"`
	SuccessBoost   float64 `mapstructure:"success_boost"`
	FailurePenalty float64 `mapstructure:"failure_penalty"`
	MaxSnapshot    int     `mapstructure:"max_snapshot"`
	MinSnapshot    int     `mapstructure:"min_snapshot"`
}

type LLMConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type HintsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

type ScheduleConfig struct {
	Timeout time.Duration    `mapstructure:"timeout"`
	Entries []schedule.Entry `mapstructure:"entries"`
}

type Config struct {
	Log       LogConfig                        `mapstructure:"log"`
	Browser   BrowserConfig                    `mapstructure:"browser"`
	Rate      RateConfig                       `mapstructure:"rate"`
	Breaker   BreakerConfig                    `mapstructure:"breaker"`
	Executor  ExecutorConfig                   `mapstructure:"executor"`
	Healer    HealerConfig                     `mapstructure:"healer"`
	LLM       LLMConfig                        `mapstructure:"llm"`
	Hints     HintsConfig                      `mapstructure:"hints"`
	Schedule  ScheduleConfig                   `mapstructure:"schedule"`
	Platforms map[string]*platform.HintAdapter `mapstructure:"platforms"`
	Profiles  []store.Profile                  `mapstructure:"profiles"`
	Jobs      []store.Job                      `mapstructure:"jobs"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.storage_dir", "")
	v.SetDefault("browser.nav_timeout", 30*time.Second)

	v.SetDefault("rate.max_actions", 20)
	v.SetDefault("rate.window", time.Minute)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)

	v.SetDefault("executor.confidence_threshold", 0.7)
	v.SetDefault("executor.attempt_timeout", 2*time.Second)

	v.SetDefault("healer.cache_dir", "~/.jobpilot/selector-cache")
	v.SetDefault("healer.min_confidence", 0.3)
	v.SetDefault("healer.max_failures", 3)
	v.SetDefault("healer.success_boost", 0.1)
	v.SetDefault("healer.failure_penalty", 0.2)
	v.SetDefault("healer.max_snapshot", 15000)
	v.SetDefault("healer.min_snapshot", 200)

	v.SetDefault("llm.requests_per_second", 1.0)
	v.SetDefault("llm.burst", 2)

	v.SetDefault("hints.dir", "./hints")
	v.SetDefault("hints.watch", true)

	v.SetDefault("schedule.timeout", 2*time.Hour)
}

// Load reads .env, then path (or ./jobpilot.yaml when empty), then
// JOBPILOT_* environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional; API keys are read from the environment by the llm package.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Healer.CacheDir = expandHome(cfg.Healer.CacheDir)
	cfg.Browser.StorageDir = expandHome(cfg.Browser.StorageDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	unit := func(name string, f float64) {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, f))
		}
	}

	positive("rate.max_actions", c.Rate.MaxActions > 0)
	positive("rate.window", c.Rate.Window > 0)
	positive("breaker.failure_threshold", c.Breaker.FailureThreshold > 0)
	positive("breaker.reset_timeout", c.Breaker.ResetTimeout > 0)
	positive("executor.attempt_timeout", c.Executor.AttemptTimeout > 0)
	positive("healer.max_failures", c.Healer.MaxFailures > 0)
	positive("healer.max_snapshot", c.Healer.MaxSnapshot > 0)
	positive("llm.requests_per_second", c.LLM.RequestsPerSecond > 0)
	positive("llm.burst", c.LLM.Burst > 0)

	unit("executor.confidence_threshold", c.Executor.ConfidenceThreshold)
	unit("healer.min_confidence", c.Healer.MinConfidence)
	unit("healer.success_boost", c.Healer.SuccessBoost)
	unit("healer.failure_penalty", c.Healer.FailurePenalty)

	if c.Healer.MinSnapshot < 0 || c.Healer.MinSnapshot > c.Healer.MaxSnapshot {
		errs = append(errs, errors.New("healer.min_snapshot must be within [0, max_snapshot]"))
	}
	if c.Healer.CacheDir == "" {
		errs = append(errs, errors.New("healer.cache_dir is required"))
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	for i, e := range c.Schedule.Entries {
		if e.Task == "" || e.Spec == "" {
			errs = append(errs, fmt.Errorf("schedule.entries[%d]: task and spec are required", i))
		}
	}
	return errors.Join(errs...)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
