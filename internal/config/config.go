package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gzhole/transguard/internal/logger"
	"github.com/gzhole/transguard/internal/oracle"
	"github.com/gzhole/transguard/internal/retrieval"
	"github.com/gzhole/transguard/internal/sandbox"
	"github.com/gzhole/transguard/internal/shield"
)

const (
	DefaultConfigDir     = ".transguard"
	DefaultConfigFile    = "config.yaml"
	DefaultPolicyFile    = "policy.yaml"
	DefaultPacksDir      = "packs"
	DefaultTaxonomyDir   = "taxonomy"
	DefaultKnowledgeFile = "knowledge.yaml"
	DefaultStoreFile     = "verdicts.db"
	DefaultLogFile       = "audit.jsonl"
)

// Environment overrides, applied after the YAML file.
const (
	EnvOracleURL      = "TRANSGUARD_ORACLE_URL"
	EnvOracleKey      = "TRANSGUARD_ORACLE_KEY"
	EnvOracleModel    = "TRANSGUARD_ORACLE_MODEL"
	EnvWorkers        = "TRANSGUARD_WORKERS"
	EnvSandboxTimeout = "TRANSGUARD_SANDBOX_TIMEOUT"
	EnvLogLevel       = "TRANSGUARD_LOG_LEVEL"
	EnvPolicy         = "TRANSGUARD_POLICY"
)

type Config struct {
	ConfigDir     string `yaml:"-"`
	PolicyPath    string `yaml:"policy"`
	PacksDir      string `yaml:"packs_dir"`
	TaxonomyDir   string `yaml:"taxonomy_dir"`
	KnowledgePath string `yaml:"knowledge_base"`
	StorePath     string `yaml:"store"`
	LogPath       string `yaml:"audit_log"`

	// Workers is the pipeline pool size.
	Workers int `yaml:"workers"`

	Log       logger.Options    `yaml:"log"`
	Shield    shield.Config     `yaml:"shield"`
	Sandbox   sandbox.Config    `yaml:"sandbox"`
	Retrieval retrieval.Ranking `yaml:"retrieval"`
	Oracle    OracleConfig      `yaml:"oracle"`
	Daemon    DaemonConfig      `yaml:"daemon"`
}

// OracleConfig holds the endpoint and the retry policy.
type OracleConfig struct {
	oracle.HTTPConfig `yaml:",inline"`
	Retry             oracle.RetryConfig `yaml:"retry"`
}

// DaemonConfig controls `transguard serve`.
type DaemonConfig struct {
	Inbox      string        `yaml:"inbox"`
	Outbox     string        `yaml:"outbox"`
	State      string        `yaml:"state"`
	HealthAddr string        `yaml:"health_addr"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Default returns the built-in configuration rooted at configDir. The
// sandbox watches the home directory above configDir and the directory
// holding the sandbox base; configDir itself is ignored since the audit
// log and verdict store live there.
func Default(configDir string) *Config {
	sb := sandbox.DefaultConfig()
	sb.WatchPaths = []string{filepath.Dir(configDir), filepath.Dir(sb.BaseDir)}
	sb.IgnorePaths = []string{configDir}
	return &Config{
		ConfigDir:     configDir,
		PolicyPath:    filepath.Join(configDir, DefaultPolicyFile),
		PacksDir:      filepath.Join(configDir, DefaultPacksDir),
		TaxonomyDir:   filepath.Join(configDir, DefaultTaxonomyDir),
		KnowledgePath: filepath.Join(configDir, DefaultKnowledgeFile),
		StorePath:     filepath.Join(configDir, DefaultStoreFile),
		LogPath:       filepath.Join(configDir, DefaultLogFile),
		Workers:       4,
		Log:           logger.Options{Level: "info", Format: "text"},
		Shield:        shield.DefaultConfig(),
		Sandbox:       sb,
		Retrieval:     retrieval.DefaultRanking(),
		Oracle: OracleConfig{
			HTTPConfig: oracle.HTTPConfig{MaxTokens: 512},
			Retry:      oracle.DefaultRetryConfig(),
		},
		Daemon: DaemonConfig{
			Inbox:      filepath.Join(configDir, "inbox"),
			Outbox:     filepath.Join(configDir, "outbox"),
			State:      filepath.Join(configDir, "state"),
			HealthAddr: "127.0.0.1:7420",
			Debounce:   200 * time.Millisecond,
		},
	}
}

// Load layers defaults, the YAML file at path and TRANSGUARD_* variables.
// An empty path means ~/.transguard/config.yaml; a missing file is not an
// error.
func Load(path string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configDir := filepath.Join(homeDir, DefaultConfigDir)

	if err := ensureDir(configDir); err != nil {
		return nil, err
	}

	cfg := Default(configDir)

	if path == "" {
		path = filepath.Join(configDir, DefaultConfigFile)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvOracleURL); v != "" {
		cfg.Oracle.URL = v
	}
	if v := os.Getenv(EnvOracleKey); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv(EnvOracleModel); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv(EnvPolicy); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv(EnvSandboxTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSandboxTimeout, err)
		}
		cfg.Sandbox.Timeout = d
	}
	return nil
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0700)
	}
	return nil
}
