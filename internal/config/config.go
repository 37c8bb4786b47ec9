package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/logging"
	"schemadeploy/internal/secret"
)

// DatabaseConfiguration describes the target database. Exactly one
// provider flag must be set; this is validated before any other work.
type DatabaseConfiguration struct {
	UseSqlServer  bool `yaml:"use_sqlserver"`
	UsePostgreSql bool `yaml:"use_postgresql"`
	UseMySql      bool `yaml:"use_mysql"`
	UseOracle     bool `yaml:"use_oracle"`
	UseSqlite     bool `yaml:"use_sqlite"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// EncryptedPassword holds an AES-GCM sealed password; it is decrypted
	// during Load with the key from SCHEMADEPLOY_SECRET_KEY.
	EncryptedPassword string `yaml:"encrypted_password"`
	// FilePath is the database file for the sqlite provider.
	FilePath string `yaml:"file_path"`
	SSLMode  string `yaml:"ssl_mode"`

	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
}

// Provider resolves the single selected provider name.
func (d DatabaseConfiguration) Provider() (string, error) {
	var selected []string
	for name, on := range map[string]bool{
		"sqlserver":  d.UseSqlServer,
		"postgresql": d.UsePostgreSql,
		"mysql":      d.UseMySql,
		"oracle":     d.UseOracle,
		"sqlite":     d.UseSqlite,
	} {
		if on {
			selected = append(selected, name)
		}
	}
	switch len(selected) {
	case 0:
		return "", errors.New("no database provider selected")
	case 1:
		return selected[0], nil
	default:
		return "", fmt.Errorf("multiple database providers selected (%d), exactly one is required", len(selected))
	}
}

// DeploymentConfiguration controls planning and execution.
type DeploymentConfiguration struct {
	EnablePhasedDeployment bool     `yaml:"enable_phased_deployment"`
	SkipWarningPhases      bool     `yaml:"skip_warning_phases"`
	BackupBeforeDeployment bool     `yaml:"backup_before_deployment"`
	BackupDir              string   `yaml:"backup_dir"`
	HistoryTable           string   `yaml:"history_table"`
	MaxPhases              int      `yaml:"max_phases"`
	WarningApprovals       []string `yaml:"warning_approvals"`
	RiskyApprovals         []string `yaml:"risky_approvals"`
}

// LicenseConfiguration points the run at the license server. An empty
// ServerURL disables license coordination (local development).
type LicenseConfiguration struct {
	ServerURL            string `yaml:"server_url"`
	ToolName             string `yaml:"tool_name"`
	ToolVersion          string `yaml:"tool_version"`
	BuildID              string `yaml:"build_id"`
	HeartbeatSeconds     int    `yaml:"heartbeat_seconds"`
	RetryAttempts        int    `yaml:"retry_attempts"`
	RetryIntervalSeconds int    `yaml:"retry_interval_seconds"`
	// Client credentials for authenticated license API calls. Optional.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	// StateDir holds the cached burst budget for server outages.
	StateDir string `yaml:"state_dir"`
}

// Config is the full run configuration.
type Config struct {
	Database   DatabaseConfiguration   `yaml:"database"`
	Deployment DeploymentConfiguration `yaml:"deployment"`
	License    LicenseConfiguration    `yaml:"license"`
	LogLevel   string                  `yaml:"log_level"`
	ReportDir  string                  `yaml:"report_dir"`
}

// Load reads the yaml config file, applies environment overrides, fills
// defaults, decrypts sealed credentials, and validates. Every error from
// here is a configuration error, reported before any network or DB call.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Database.EncryptedPassword != "" {
		key, err := secret.KeyFromEnv()
		if err != nil {
			return Config{}, exitcode.Wrap(exitcode.KeyVaultAccessFailure, err)
		}
		password, err := secret.DecryptString(key, cfg.Database.EncryptedPassword)
		if err != nil {
			return Config{}, exitcode.Wrap(exitcode.KeyVaultAccessFailure, fmt.Errorf("decrypt database password: %w", err))
		}
		cfg.Database.Password = password
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCHEMADEPLOY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCHEMADEPLOY_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("SCHEMADEPLOY_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("SCHEMADEPLOY_DB_USER"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("SCHEMADEPLOY_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
		cfg.Database.EncryptedPassword = ""
	}
	if v := os.Getenv("SCHEMADEPLOY_LICENSE_URL"); v != "" {
		cfg.License.ServerURL = v
	}
	if v := os.Getenv("SCHEMADEPLOY_LICENSE_CLIENT_SECRET"); v != "" {
		cfg.License.ClientSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = ".schemadeploy"
	}
	if cfg.Deployment.HistoryTable == "" {
		cfg.Deployment.HistoryTable = "schemadeploy_history"
	}
	if cfg.Database.CommandTimeoutSeconds <= 0 {
		cfg.Database.CommandTimeoutSeconds = 300
	}
	if cfg.License.ToolName == "" {
		cfg.License.ToolName = "schemadeploy"
	}
	if cfg.License.HeartbeatSeconds <= 0 {
		cfg.License.HeartbeatSeconds = 60
	}
	if cfg.License.RetryAttempts <= 0 {
		cfg.License.RetryAttempts = 3
	}
	if cfg.License.RetryIntervalSeconds <= 0 {
		cfg.License.RetryIntervalSeconds = 5
	}
	if cfg.License.StateDir == "" {
		cfg.License.StateDir = cfg.ReportDir
	}
}

// Validate checks the configuration for fatal problems.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	provider, err := c.Database.Provider()
	if err != nil {
		return err
	}
	if provider == "sqlite" {
		if c.Database.FilePath == "" {
			return errors.New("sqlite provider requires database.file_path")
		}
	} else {
		if c.Database.Host == "" {
			return fmt.Errorf("%s provider requires database.host", provider)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("%s provider requires database.database", provider)
		}
		if c.Database.Username == "" {
			return fmt.Errorf("%s provider requires database.username", provider)
		}
	}
	if c.License.ServerURL != "" {
		if !strings.HasPrefix(c.License.ServerURL, "http://") && !strings.HasPrefix(c.License.ServerURL, "https://") {
			return fmt.Errorf("license.server_url must be http(s), got %q", c.License.ServerURL)
		}
		if (c.License.ClientID == "") != (c.License.ClientSecret == "") {
			return errors.New("license.client_id and license.client_secret must be set together")
		}
		if c.License.ClientID != "" && c.License.TokenURL == "" {
			return errors.New("license.token_url is required with client credentials")
		}
	}
	return nil
}

// WriteSample writes a starter configuration file, refusing to overwrite.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	sample := Config{
		Database: DatabaseConfiguration{
			UsePostgreSql: true,
			Host:          "localhost",
			Port:          5432,
			Database:      "app",
			Schema:        "public",
			Username:      "deploy",
			SSLMode:       "disable",
		},
		Deployment: DeploymentConfiguration{
			EnablePhasedDeployment: true,
			BackupBeforeDeployment: true,
			HistoryTable:           "schemadeploy_history",
		},
		License: LicenseConfiguration{
			ServerURL:        "http://localhost:8091",
			ToolName:         "schemadeploy",
			HeartbeatSeconds: 60,
		},
		LogLevel: "info",
	}
	out, err := yaml.Marshal(sample)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
