package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Config is the root configuration for cmdgate.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Policy   PolicyConfig   `json:"policy"`
	Approval ApprovalConfig `json:"approval"`
	Executor ExecutorConfig `json:"executor"`
	Audit    AuditConfig    `json:"audit"`
	API      APIConfig      `json:"api"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel                string `json:"logLevel"`
	LogFormat               string `json:"logFormat,omitempty"` // "text" | "json"
	LogFile                 string `json:"logFile,omitempty"`
	MaxConcurrentExecutions int    `json:"maxConcurrentExecutions"`
	WorkDir                 string `json:"workDir,omitempty"` // used when a request has no working dir
}

type PolicyConfig struct {
	// RequireApproval maps a tool family to its approval switch. Families
	// without an entry keep the risk-tier default.
	RequireApproval       map[string]bool `json:"requireApproval,omitempty"`
	RuleFiles             []string        `json:"ruleFiles,omitempty"`
	DisableDefaults       bool            `json:"disableDefaults,omitempty"`
	DefaultTimeoutSeconds int             `json:"defaultTimeoutSeconds"`
	ExtraDangerous        []string        `json:"extraDangerousPatterns,omitempty"`
}

func (p PolicyConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSeconds) * time.Second
}

type ApprovalConfig struct {
	TTLSeconds           int `json:"ttlSeconds"`
	SweepIntervalSeconds int `json:"sweepIntervalSeconds"` // 0 = expire lazily only
	RetentionSeconds     int `json:"retentionSeconds"`
}

type ExecutorConfig struct {
	GraceSeconds   int `json:"graceSeconds"`
	MaxOutputBytes int `json:"maxOutputBytes"`
}

type AuditConfig struct {
	WindowSize    int          `json:"windowSize"`
	RedactSecrets bool         `json:"redactSecrets"`
	Sinks         []SinkConfig `json:"sinks"`
}

// Sink types.
const (
	SinkSQLite   = "sqlite"
	SinkJSONL    = "jsonl"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkKafka    = "kafka"
	SinkNone     = "none"
)

// SinkConfig describes one durable audit destination. Only the fields of
// the chosen type are read.
type SinkConfig struct {
	Type string `json:"type"`

	Path string `json:"path,omitempty"` // sqlite, jsonl

	DSN   string `json:"dsn,omitempty"` // postgres
	Table string `json:"table,omitempty"`

	Addr     string `json:"addr,omitempty"` // redis
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Stream   string `json:"stream,omitempty"`
	MaxLen   int64  `json:"maxLen,omitempty"`

	Brokers []string `json:"brokers,omitempty"` // kafka
	Topic   string   `json:"topic,omitempty"`
}

type APIConfig struct {
	Enabled bool    `json:"enabled"`
	Host    string  `json:"host"`
	Port    int     `json:"port"`
	Auth    APIAuth `json:"auth"`
}

type APIAuth struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // hex sha256
}

func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.cmdgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cmdgate"
	}
	return filepath.Join(home, ".cmdgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.ExpandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ExpandPaths resolves ~ in every file path of the config.
func (c *Config) ExpandPaths() {
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.General.WorkDir = ExpandPath(c.General.WorkDir)
	for i, f := range c.Policy.RuleFiles {
		c.Policy.RuleFiles[i] = ExpandPath(f)
	}
	for i := range c.Audit.Sinks {
		c.Audit.Sinks[i].Path = ExpandPath(c.Audit.Sinks[i].Path)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be text or json")
	}
	if cfg.General.MaxConcurrentExecutions < 1 || cfg.General.MaxConcurrentExecutions > 256 {
		errs = append(errs, "general.maxConcurrentExecutions must be between 1 and 256")
	}

	if cfg.Policy.DefaultTimeoutSeconds < 1 {
		errs = append(errs, "policy.defaultTimeoutSeconds must be >= 1")
	}
	if cfg.Approval.TTLSeconds < 1 {
		errs = append(errs, "approval.ttlSeconds must be >= 1")
	}
	if cfg.Approval.SweepIntervalSeconds < 0 {
		errs = append(errs, "approval.sweepIntervalSeconds must be >= 0")
	}
	if cfg.Executor.GraceSeconds < 0 {
		errs = append(errs, "executor.graceSeconds must be >= 0")
	}
	if cfg.Executor.MaxOutputBytes < 1024 {
		errs = append(errs, "executor.maxOutputBytes must be >= 1024")
	}
	if cfg.Audit.WindowSize < 1 {
		errs = append(errs, "audit.windowSize must be >= 1")
	}
	for i, s := range cfg.Audit.Sinks {
		if msg := validateSink(s); msg != "" {
			errs = append(errs, fmt.Sprintf("audit.sinks.%d: %s", i, msg))
		}
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.Auth.Enabled && (cfg.API.Auth.Username == "" || cfg.API.Auth.PasswordHash == "") {
		errs = append(errs, "api.auth requires username and passwordHash when enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateSink(s SinkConfig) string {
	switch s.Type {
	case SinkSQLite, SinkJSONL:
		if s.Path == "" {
			return s.Type + " sink requires path"
		}
	case SinkPostgres:
		if s.DSN == "" {
			return "postgres sink requires dsn"
		}
	case SinkRedis:
		if s.Addr == "" {
			return "redis sink requires addr"
		}
	case SinkKafka:
		if len(s.Brokers) == 0 || s.Topic == "" {
			return "kafka sink requires brokers and topic"
		}
	case SinkNone:
	default:
		types := []string{SinkSQLite, SinkJSONL, SinkPostgres, SinkRedis, SinkKafka, SinkNone}
		return fmt.Sprintf("unknown sink type %q (want one of %s)", s.Type, strings.Join(types, ", "))
	}
	return ""
}

// SinkOfType returns the first configured sink with the given type.
func (c *Config) SinkOfType(typ string) (SinkConfig, bool) {
	i := slices.IndexFunc(c.Audit.Sinks, func(s SinkConfig) bool { return s.Type == typ })
	if i < 0 {
		return SinkConfig{}, false
	}
	return c.Audit.Sinks[i], true
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
