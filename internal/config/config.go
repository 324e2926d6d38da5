package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/aeih-state/internal/store"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50

	// MinSamplingInterval is the lowest accepted monitoring sampling interval.
	MinSamplingInterval = 5 * time.Second
	// MinTrainingSamples is the lowest accepted training sample count.
	MinTrainingSamples = 10
)

// ErrInvalidConfig is returned when a setting is out of bounds or unparsable.
var ErrInvalidConfig = errors.New("invalid configuration")

// FirebaseConfig holds connection parameters for the hosted document store.
type FirebaseConfig struct {
	ProjectID             string
	CredentialsPath       string
	ModulesCollection     string
	PerformanceCollection string
}

// MonitoringConfig holds performance monitoring cadence settings.
type MonitoringConfig struct {
	SamplingInterval time.Duration
	RetentionDays    int
	AnomalyThreshold float64
}

// OptimizationConfig holds optimization engine cadence settings.
type OptimizationConfig struct {
	RetrainInterval    time.Duration
	MinTrainingSamples int
	OptimizationWindow time.Duration
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Backend          store.Backend
	SQLitePath       string
	OperationTimeout time.Duration
}

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	Firebase     FirebaseConfig
	Monitoring   MonitoringConfig
	Optimization OptimizationConfig
	Storage      StorageConfig
	LogLevel     string

	Port                 string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	LogLevel             string           `yaml:"log_level"`
	Firebase             yamlFirebase     `yaml:"firebase"`
	Monitoring           yamlMonitoring   `yaml:"monitoring"`
	Optimization         yamlOptimization `yaml:"optimization"`
	Storage              yamlStorage      `yaml:"storage"`
	Port                 string           `yaml:"port"`
	ShutdownGracePeriod  string           `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string           `yaml:"read_header_timeout"`
	WriteTimeout         string           `yaml:"write_timeout"`
	IdleTimeout          string           `yaml:"idle_timeout"`
	EnableRequestLogging *bool            `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit    `yaml:"rate_limit"`
}

type yamlFirebase struct {
	ProjectID             string  `yaml:"project_id"`
	CredentialsPath       *string `yaml:"credentials_path"`
	ModulesCollection     string  `yaml:"modules_collection"`
	PerformanceCollection string  `yaml:"performance_collection"`
}

type yamlMonitoring struct {
	SamplingInterval string   `yaml:"sampling_interval"`
	RetentionDays    *int     `yaml:"retention_days"`
	AnomalyThreshold *float64 `yaml:"anomaly_threshold"`
}

type yamlOptimization struct {
	RetrainInterval    string `yaml:"retrain_interval"`
	MinTrainingSamples *int   `yaml:"min_training_samples"`
	OptimizationWindow string `yaml:"optimization_window"`
}

type yamlStorage struct {
	Backend          string `yaml:"backend"`
	SQLitePath       string `yaml:"sqlite_path"`
	OperationTimeout string `yaml:"operation_timeout"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	EnvFile        string
	Port           *string
	Backend        *string
	LogLevel       *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	// Variables already set in the process environment win over the env file.
	if overrides != nil && overrides.EnvFile != "" {
		if err := loadEnvFile(overrides.EnvFile); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, err
		}
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Firebase: FirebaseConfig{
			ProjectID:             "evolution-ecosystem",
			CredentialsPath:       "./firebase-credentials.json",
			ModulesCollection:     "aeih_modules",
			PerformanceCollection: "aeih_performance",
		},
		Monitoring: MonitoringConfig{
			SamplingInterval: 60 * time.Second,
			RetentionDays:    30,
			AnomalyThreshold: 2.0,
		},
		Optimization: OptimizationConfig{
			RetrainInterval:    time.Hour,
			MinTrainingSamples: 100,
			OptimizationWindow: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend:          store.BackendAuto,
			SQLitePath:       "./data/state.db",
			OperationTimeout: 10 * time.Second,
		},
		LogLevel: "INFO",

		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
	}
}

func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	setString(&cfg.LogLevel, yamlCfg.LogLevel)

	setString(&cfg.Firebase.ProjectID, yamlCfg.Firebase.ProjectID)
	// An explicit empty path selects ambient credentials.
	if yamlCfg.Firebase.CredentialsPath != nil {
		cfg.Firebase.CredentialsPath = strings.TrimSpace(*yamlCfg.Firebase.CredentialsPath)
	}
	setString(&cfg.Firebase.ModulesCollection, yamlCfg.Firebase.ModulesCollection)
	setString(&cfg.Firebase.PerformanceCollection, yamlCfg.Firebase.PerformanceCollection)

	if yamlCfg.Monitoring.RetentionDays != nil {
		cfg.Monitoring.RetentionDays = *yamlCfg.Monitoring.RetentionDays
	}
	if yamlCfg.Monitoring.AnomalyThreshold != nil {
		cfg.Monitoring.AnomalyThreshold = *yamlCfg.Monitoring.AnomalyThreshold
	}
	if yamlCfg.Optimization.MinTrainingSamples != nil {
		cfg.Optimization.MinTrainingSamples = *yamlCfg.Optimization.MinTrainingSamples
	}

	if yamlCfg.Storage.Backend != "" {
		cfg.Storage.Backend = store.Backend(strings.ToLower(yamlCfg.Storage.Backend))
	}
	setString(&cfg.Storage.SQLitePath, yamlCfg.Storage.SQLitePath)

	setString(&cfg.Port, yamlCfg.Port)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"monitoring.sampling_interval", yamlCfg.Monitoring.SamplingInterval, &cfg.Monitoring.SamplingInterval},
		{"optimization.retrain_interval", yamlCfg.Optimization.RetrainInterval, &cfg.Optimization.RetrainInterval},
		{"optimization.optimization_window", yamlCfg.Optimization.OptimizationWindow, &cfg.Optimization.OptimizationWindow},
		{"storage.operation_timeout", yamlCfg.Storage.OperationTimeout, &cfg.Storage.OperationTimeout},
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = parsed
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}
	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	return nil
}

// applyEnvConfig applies environment variable configuration. Values that are
// set but cannot be coerced to their type fail the load.
func applyEnvConfig(cfg *Config) error {
	envString("FIREBASE_PROJECT_ID", &cfg.Firebase.ProjectID)
	// Set but empty clears the path and selects ambient credentials.
	if v, ok := os.LookupEnv("FIREBASE_CREDENTIALS_PATH"); ok {
		cfg.Firebase.CredentialsPath = strings.TrimSpace(v)
	}
	envString("FIRESTORE_COLLECTION", &cfg.Firebase.ModulesCollection)
	envString("PERFORMANCE_COLLECTION", &cfg.Firebase.PerformanceCollection)
	envString("SQLITE_PATH", &cfg.Storage.SQLitePath)
	envString("PORT", &cfg.Port)

	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("STATE_BACKEND"); ok {
		cfg.Storage.Backend = store.Backend(strings.ToLower(v))
	}

	parsers := []func() error{
		func() error { return envUnit("SAMPLING_INTERVAL", time.Second, &cfg.Monitoring.SamplingInterval) },
		func() error { return envInt("RETENTION_DAYS", &cfg.Monitoring.RetentionDays) },
		func() error { return envFloat("ANOMALY_THRESHOLD", &cfg.Monitoring.AnomalyThreshold) },
		func() error { return envUnit("RETRAIN_INTERVAL", time.Second, &cfg.Optimization.RetrainInterval) },
		func() error { return envInt("MIN_SAMPLES_TRAINING", &cfg.Optimization.MinTrainingSamples) },
		func() error { return envUnit("OPTIMIZATION_WINDOW", time.Hour, &cfg.Optimization.OptimizationWindow) },
		func() error { return envDuration("OPERATION_TIMEOUT", &cfg.Storage.OperationTimeout) },
		func() error { return envFloat("RATE_LIMIT_RPS", &cfg.RateLimitRPS) },
		func() error { return envInt("RATE_LIMIT_BURST", &cfg.RateLimitBurst) },
	}
	for _, parse := range parsers {
		if err := parse(); err != nil {
			return err
		}
	}
	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}

	if overrides.Backend != nil && *overrides.Backend != "" {
		cfg.Storage.Backend = store.Backend(strings.ToLower(*overrides.Backend))
	}

	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.Monitoring.SamplingInterval < MinSamplingInterval {
		return fmt.Errorf("%w: sampling interval must be at least %s, got %s",
			ErrInvalidConfig, MinSamplingInterval, cfg.Monitoring.SamplingInterval)
	}
	if cfg.Optimization.MinTrainingSamples < MinTrainingSamples {
		return fmt.Errorf("%w: minimum samples for training must be at least %d, got %d",
			ErrInvalidConfig, MinTrainingSamples, cfg.Optimization.MinTrainingSamples)
	}
	switch cfg.Storage.Backend {
	case store.BackendAuto, store.BackendFirestore, store.BackendSQLite, store.BackendMemory:
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == store.BackendSQLite && cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("%w: sqlite backend requires a database path", ErrInvalidConfig)
	}
	if cfg.Firebase.ModulesCollection == "" || cfg.Firebase.PerformanceCollection == "" {
		return fmt.Errorf("%w: collection names cannot be empty", ErrInvalidConfig)
	}
	if cfg.Storage.OperationTimeout < 0 {
		return fmt.Errorf("%w: OPERATION_TIMEOUT must be >= 0", ErrInvalidConfig)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("%w: RATE_LIMIT_RPS must be >= 0", ErrInvalidConfig)
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("%w: RATE_LIMIT_BURST must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Warnings lists non-fatal problems worth logging at startup.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Storage.Backend == store.BackendAuto || c.Storage.Backend == store.BackendFirestore {
		if path := c.Firebase.CredentialsPath; path != "" && !fileExists(path) {
			warnings = append(warnings, fmt.Sprintf("firebase credentials not found at %s", path))
		}
	}
	return warnings
}

// CredentialsAvailable reports whether the configured credentials file exists.
func (c Config) CredentialsAvailable() bool {
	return fileExists(c.Firebase.CredentialsPath)
}

// Snapshot returns the configuration as plain key/value pairs for
// diagnostic logging.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"firebase": map[string]any{
			"project_id":             c.Firebase.ProjectID,
			"credentials_path":       c.Firebase.CredentialsPath,
			"modules_collection":     c.Firebase.ModulesCollection,
			"performance_collection": c.Firebase.PerformanceCollection,
		},
		"monitoring": map[string]any{
			"sampling_interval": c.Monitoring.SamplingInterval.String(),
			"retention_days":    c.Monitoring.RetentionDays,
			"anomaly_threshold": c.Monitoring.AnomalyThreshold,
		},
		"optimization": map[string]any{
			"retrain_interval":     c.Optimization.RetrainInterval.String(),
			"min_training_samples": c.Optimization.MinTrainingSamples,
			"optimization_window":  c.Optimization.OptimizationWindow.String(),
		},
		"storage": map[string]any{
			"backend":           string(c.Storage.Backend),
			"sqlite_path":       c.Storage.SQLitePath,
			"operation_timeout": c.Storage.OperationTimeout.String(),
		},
		"log_level": c.LogLevel,
	}
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envString(key string, dst *string) {
	if v, ok := lookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s: invalid integer %q", ErrInvalidConfig, key, v)
	}
	*dst = parsed
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%w: %s: invalid number %q", ErrInvalidConfig, key, v)
	}
	*dst = parsed
	return nil
}

// envUnit reads an integer count of unit, e.g. seconds or hours.
func envUnit(key string, unit time.Duration, dst *time.Duration) error {
	if _, ok := lookupEnv(key); !ok {
		return nil
	}
	var n int
	if err := envInt(key, &n); err != nil {
		return err
	}
	if n < 0 || int64(n) > math.MaxInt64/int64(unit) {
		return fmt.Errorf("%w: %s: %d out of range", ErrInvalidConfig, key, n)
	}
	*dst = time.Duration(n) * unit
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s: invalid duration %q", ErrInvalidConfig, key, v)
	}
	*dst = parsed
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
