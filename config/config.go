// Package config loads the control-plane configuration from a YAML file
// with environment-variable overrides. Defaults are applied first, then the
// file, then GBD_* variables, so a missing file still yields a runnable
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ProbeConfig identifies one remote Greenbone engine reachable over GMP/TLS.
type ProbeConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIConfig controls the HTTP listener. An empty JWTSecret disables
// authentication entirely.
type APIConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	JWTSecret        string `yaml:"jwt_secret"`
	JWTExpireMinutes int    `yaml:"jwt_expire_minutes"`
}

// ScanConfig governs scan lifecycle behavior. Durations are in seconds.
type ScanConfig struct {
	PollInterval            int    `yaml:"poll_interval"`
	MaxDuration             int    `yaml:"max_duration"`
	CleanupAfterReport      bool   `yaml:"cleanup_after_report"`
	MaxConsecutiveSameProbe int    `yaml:"max_consecutive_same_probe"`
	GVMScanConfig           string `yaml:"gvm_scan_config"`
	GVMScanner              string `yaml:"gvm_scanner"`
	DefaultPortList         string `yaml:"default_port_list"`
	DBPath                  string `yaml:"db_path"`
}

// SourceConfig points at the upstream asset inventory. An empty URL disables
// both target sync and the scan scheduler. Intervals and timeout are in
// seconds.
type SourceConfig struct {
	URL               string `yaml:"url"`
	AuthToken         string `yaml:"auth_token"`
	SyncInterval      int    `yaml:"sync_interval"`
	CallbackURL       string `yaml:"callback_url"`
	Timeout           int    `yaml:"timeout"`
	SchedulerInterval int    `yaml:"scheduler_interval"`
}

// GVMConfig tunes the per-probe engine client. Timeout and RetryDelay are in
// seconds.
type GVMConfig struct {
	Timeout       int `yaml:"timeout"`
	RetryAttempts int `yaml:"retry_attempts"`
	RetryDelay    int `yaml:"retry_delay"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig enables the optional OTLP metrics push when OTELEndpoint
// is non-empty. PushInterval is in seconds.
type TelemetryConfig struct {
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELProtocol string `yaml:"otel_protocol"`
	OTELInsecure bool   `yaml:"otel_insecure"`
	PushInterval int    `yaml:"push_interval"`
}

// DebugConfig gates the read-only SQL endpoint and manual job triggers.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the full control-plane configuration.
type Config struct {
	Probes    []ProbeConfig   `yaml:"probes"`
	API       APIConfig       `yaml:"api"`
	Scan      ScanConfig      `yaml:"scan"`
	Source    SourceConfig    `yaml:"source"`
	GVM       GVMConfig       `yaml:"gvm"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     DebugConfig     `yaml:"debug"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			JWTExpireMinutes: 60,
		},
		Scan: ScanConfig{
			PollInterval:            30,
			MaxDuration:             86400,
			CleanupAfterReport:      true,
			MaxConsecutiveSameProbe: 3,
			GVMScanConfig:           "Full and fast",
			GVMScanner:              "OpenVAS Default",
			DefaultPortList:         "All IANA assigned TCP",
			DBPath:                  "greenbone-distributed.db",
		},
		Source: SourceConfig{
			SyncInterval:      300,
			Timeout:           30,
			SchedulerInterval: 60,
		},
		GVM: GVMConfig{
			Timeout:       300,
			RetryAttempts: 3,
			RetryDelay:    5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			OTELProtocol: "grpc",
			PushInterval: 60,
		},
	}
}

// Load reads the YAML file at path and applies GBD_* environment overrides.
// A missing file is not an error; defaults plus environment apply. An empty
// path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Run on defaults; environment overrides still apply.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides individual settings from GBD_* environment variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("GBD_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GBD_API_PORT %q: %w", v, err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("GBD_DB_PATH"); v != "" {
		cfg.Scan.DBPath = v
	}
	if v := os.Getenv("GBD_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("GBD_SOURCE_AUTH_TOKEN"); v != "" {
		cfg.Source.AuthToken = v
	}
	if v := os.Getenv("GBD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GBD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("GBD_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := os.Getenv("GBD_OTEL_ENDPOINT"); v != "" {
		cfg.Telemetry.OTELEndpoint = v
	}
	return nil
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (a APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
