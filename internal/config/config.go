// Package config loads the engine settings from the environment and an
// optional config.yaml. Environment variables win over the file; every key
// has a default where one makes sense. The loaded Settings value is passed
// to components as a constructor argument, never read from a global.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix turns key "max_workers" into env var NUDGED_MAX_WORKERS.
const envPrefix = "NUDGED"

// Settings is the full configuration of the engine.
type Settings struct {
	// Pyrus credentials
	Login            string `mapstructure:"login"`
	SecurityKey      string `mapstructure:"security_key"`
	LoginAdmin       string `mapstructure:"login_admin"`
	SecurityKeyAdmin string `mapstructure:"security_key_admin"`

	// Identities
	BotID           uint64 `mapstructure:"bot_id"`
	FirstManagerID  uint64 `mapstructure:"first_manager_id"`
	SecondManagerID uint64 `mapstructure:"second_manager_id"`
	ClientFieldID   uint64 `mapstructure:"client_field_id"`

	// Endpoints
	AuthURL    string `mapstructure:"auth_url"`
	APIBaseURL string `mapstructure:"api_base_url"`

	// Storage and scheduling
	DatabasePath      string `mapstructure:"database_path"`
	ScheduleTZ        string `mapstructure:"schedule_tz"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	LockExpiryMinutes int    `mapstructure:"lock_expiry_minutes"`
	ScanInterval      int    `mapstructure:"scan_interval"` // seconds
	LimitProcessTasks int    `mapstructure:"limit_process_tasks"`

	// HTTP
	Port int `mapstructure:"port"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Comment texts; empty values use the built-in defaults
	NudgeText    string `mapstructure:"nudge_text"`
	EscalateText string `mapstructure:"escalate_text"`
}

// ScanIntervalDuration returns the scanner tick period.
func (s Settings) ScanIntervalDuration() time.Duration {
	return time.Duration(s.ScanInterval) * time.Second
}

// LockExpiry returns the stale-lock threshold.
func (s Settings) LockExpiry() time.Duration {
	return time.Duration(s.LockExpiryMinutes) * time.Minute
}

// ListenAddr returns the webhook server bind address.
func (s Settings) ListenAddr() string {
	return fmt.Sprintf(":%d", s.Port)
}

func setDefaults(v *viper.Viper) {
	// Zero defaults register the keys with viper; AutomaticEnv only
	// surfaces known keys through Unmarshal.
	for _, key := range []string{
		"login", "security_key", "login_admin", "security_key_admin",
		"log_file", "nudge_text", "escalate_text",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{
		"bot_id", "first_manager_id", "second_manager_id", "client_field_id",
	} {
		v.SetDefault(key, 0)
	}
	v.SetDefault("auth_url", "https://accounts.pyrus.com/api/v4/auth")
	v.SetDefault("api_base_url", "https://api.pyrus.com/v4")
	v.SetDefault("database_path", "tasks.db")
	v.SetDefault("schedule_tz", "Europe/Moscow")
	v.SetDefault("max_workers", 5)
	v.SetDefault("lock_expiry_minutes", 30)
	v.SetDefault("scan_interval", 60)
	v.SetDefault("limit_process_tasks", 25)
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
}

// Load reads the configuration. configFile may be empty, in which case a
// config.yaml in the working directory is used when present; a missing file
// is fine, the environment alone can configure everything.
func Load(configFile string) (Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("parse config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings a running engine cannot do without.
func (s Settings) Validate() error {
	var problems []string
	if s.Login == "" {
		problems = append(problems, "login is required")
	}
	if s.SecurityKey == "" {
		problems = append(problems, "security_key is required")
	}
	if s.BotID == 0 {
		problems = append(problems, "bot_id is required")
	}
	if s.FirstManagerID == 0 || s.SecondManagerID == 0 {
		problems = append(problems, "first_manager_id and second_manager_id are required")
	}
	if s.MaxWorkers < 1 {
		problems = append(problems, "max_workers must be at least 1")
	}
	if s.ScanInterval < 1 {
		problems = append(problems, "scan_interval must be at least 1 second")
	}
	if s.LockExpiryMinutes < 1 {
		problems = append(problems, "lock_expiry_minutes must be at least 1")
	}
	if s.LimitProcessTasks < 1 {
		problems = append(problems, "limit_process_tasks must be at least 1")
	}
	if s.Port < 1 || s.Port > 65535 {
		problems = append(problems, "port must be a valid TCP port")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
