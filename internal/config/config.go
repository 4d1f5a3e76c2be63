package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platformbuilds/buildwatch/internal/utils"
)

// Config captures the settings required to boot the monitoring engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Jenkins   JenkinsConfig   `yaml:"jenkins"`
	Inference InferenceConfig `yaml:"inference"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Patterns  PatternsConfig  `yaml:"patterns"`
	Actions   ActionsConfig   `yaml:"actions"`
	Learning  LearningConfig  `yaml:"learning"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the trigger and metrics listeners.
type ServerConfig struct {
	TriggerAddress  string        `yaml:"triggerAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// JenkinsConfig configures access to the build source.
type JenkinsConfig struct {
	BaseURL  string        `yaml:"baseURL"`
	Username string        `yaml:"username"`
	APIToken string        `yaml:"apiToken"`
	Timeout  time.Duration `yaml:"timeout"`
}

// InferenceConfig configures the inference collaborator endpoint.
type InferenceConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxExcerptLines int           `yaml:"maxExcerptLines"`
}

// DiscoveryConfig controls the polling loop and worker pool.
type DiscoveryConfig struct {
	Interval              time.Duration `yaml:"interval"`
	MaxConcurrentAnalyses int           `yaml:"maxConcurrentAnalyses"`
	InactiveAfterMisses   int           `yaml:"inactiveAfterMisses"`
	ExcludePatterns       []string      `yaml:"excludePatterns"`
	AnalyzeAllBuilds      bool          `yaml:"analyzeAllBuilds"`
	ForceReanalyze        bool          `yaml:"forceReanalyze"`
}

// PatternsConfig controls the learned-pattern store.
type PatternsConfig struct {
	SeedConfidence         float64       `yaml:"seedConfidence"`
	LearningRate           float64       `yaml:"learningRate"`
	ShortCircuitConfidence float64       `yaml:"shortCircuitConfidence"`
	TTL                    time.Duration `yaml:"ttl"`
	EvictionInterval       time.Duration `yaml:"evictionInterval"`
}

// ActionsConfig controls remediation decisions and executor retries.
type ActionsConfig struct {
	RetryThreshold float64       `yaml:"retryThreshold"`
	MaxRetries     int           `yaml:"maxRetries"`
	BackoffBase    time.Duration `yaml:"backoffBase"`
	BackoffCap     time.Duration `yaml:"backoffCap"`
	NotifyChannel  string        `yaml:"notifyChannel"`
	NotifyWebhook  string        `yaml:"notifyWebhook"`
}

// LearningConfig gates the learning loop and its outcome confirmation window.
type LearningConfig struct {
	Enabled            bool          `yaml:"enabled"`
	ConfirmationWindow time.Duration `yaml:"confirmationWindow"`
}

// StorageConfig locates the embedded repository database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls Valkey-backed caching of fetched console logs.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
	LogTTL       time.Duration `yaml:"logTTL"`
	InflightTTL  time.Duration `yaml:"inflightTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("BUILDWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			TriggerAddress:  ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Jenkins: JenkinsConfig{
			Timeout: 15 * time.Second,
		},
		Inference: InferenceConfig{
			Timeout:         60 * time.Second,
			MaxExcerptLines: 200,
		},
		Discovery: DiscoveryConfig{
			Interval:              time.Minute,
			MaxConcurrentAnalyses: 4,
			InactiveAfterMisses:   5,
		},
		Patterns: PatternsConfig{
			SeedConfidence:         0.30,
			LearningRate:           0.20,
			ShortCircuitConfidence: 0.85,
			TTL:                    720 * time.Hour,
			EvictionInterval:       time.Hour,
		},
		Actions: ActionsConfig{
			RetryThreshold: 0.80,
			MaxRetries:     3,
			BackoffBase:    2 * time.Second,
			BackoffCap:     60 * time.Second,
			NotifyChannel:  "#ci-alerts",
		},
		Learning: LearningConfig{
			Enabled:            true,
			ConfirmationWindow: 2 * time.Hour,
		},
		Storage: StorageConfig{Path: "buildwatch.db"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			LogTTL:       time.Hour,
			InflightTTL:  30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUILDWATCH_TRIGGER_ADDRESS"); v != "" {
		cfg.Server.TriggerAddress = v
	}
	if v := os.Getenv("BUILDWATCH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("BUILDWATCH_JENKINS_URL"); v != "" {
		cfg.Jenkins.BaseURL = v
	}
	if v := os.Getenv("BUILDWATCH_JENKINS_USER"); v != "" {
		cfg.Jenkins.Username = v
	}
	if v := os.Getenv("BUILDWATCH_JENKINS_TOKEN"); v != "" {
		cfg.Jenkins.APIToken = v
	}
	if v := os.Getenv("BUILDWATCH_INFERENCE_ENDPOINT"); v != "" {
		cfg.Inference.Endpoint = v
	}
	if v := os.Getenv("BUILDWATCH_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BUILDWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BUILDWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("BUILDWATCH_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("BUILDWATCH_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("BUILDWATCH_DISCOVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Discovery.Interval = d
		}
	}
}

// validate rejects configurations the engine cannot start with. Missing
// collaborator endpoints are fatal, not recoverable at runtime.
func validate(cfg *Config) error {
	if cfg.Jenkins.BaseURL == "" {
		return utils.Fatal("config.validate", "jenkins.baseURL is required", nil)
	}
	if cfg.Inference.Endpoint == "" {
		return utils.Fatal("config.validate", "inference.endpoint is required", nil)
	}
	if cfg.Discovery.MaxConcurrentAnalyses < 1 {
		cfg.Discovery.MaxConcurrentAnalyses = 1
	}
	if cfg.Discovery.InactiveAfterMisses < 1 {
		cfg.Discovery.InactiveAfterMisses = 1
	}
	if cfg.Patterns.LearningRate <= 0 || cfg.Patterns.LearningRate > 1 {
		return utils.Fatal("config.validate", "patterns.learningRate must be in (0,1]", nil)
	}
	if cfg.Patterns.SeedConfidence < 0 || cfg.Patterns.SeedConfidence > 1 {
		return utils.Fatal("config.validate", "patterns.seedConfidence must be in [0,1]", nil)
	}
	if cfg.Actions.MaxRetries < 1 {
		cfg.Actions.MaxRetries = 1
	}
	return nil
}
