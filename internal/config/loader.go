package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"brain2-uow/internal/infrastructure/observability"
	"brain2-uow/internal/infrastructure/resilience"
	"brain2-uow/internal/uow"

	"gopkg.in/yaml.v3"
)

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target interface{}) error
	Extension() string
}

// Loader handles loading configuration from multiple sources.
type Loader struct {
	basePath    string
	environment Environment
	getenv      func(string) string
	fileLoaders []FileLoader
}

// NewLoader creates a loader reading files from basePath.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	if env == "" {
		env = Development
	}
	return &Loader{
		basePath:    basePath,
		environment: env,
		getenv:      os.Getenv,
		fileLoaders: []FileLoader{&YAMLLoader{}, &JSONLoader{}},
	}
}

// BasePath returns the directory the loader reads files from.
func (l *Loader) BasePath() string {
	return l.basePath
}

// Load loads configuration using a hierarchy of sources.
// The loading order (from lowest to highest priority):
//  1. Default values (in code)
//  2. Base configuration file (base.yaml)
//  3. Environment-specific file (e.g., production.yaml)
//  4. Local overrides file (local.yaml, development only)
//  5. Environment variables
func (l *Loader) Load() (*Config, error) {
	cfg := l.defaultConfig()
	cfg.LoadedFrom = append(cfg.LoadedFrom, "defaults")

	if err := l.loadFile("base", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	envFile := strings.ToLower(string(l.environment))
	if err := l.loadFile(envFile, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s config: %w", envFile, err)
	}

	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load local config: %w", err)
		}
	}

	if err := l.loadEnvironmentVariables(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment variables: %w", err)
	}
	cfg.LoadedFrom = append(cfg.LoadedFrom, "environment")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, name+"."+loader.Extension())
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		err = loader.Load(file, cfg)
		file.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.LoadedFrom = append(cfg.LoadedFrom, path)
		return nil
	}
	return os.ErrNotExist
}

// loadEnvironmentVariables overlays environment variables on the configuration.
func (l *Loader) loadEnvironmentVariables(cfg *Config) error {
	if val := l.getenv("UOW_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := l.getenv("UOW_SERVER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("UOW_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if val := l.getenv("UOW_STRATEGY"); val != "" {
		strategy, err := uow.ParseConcurrencyStrategy(val)
		if err != nil {
			return fmt.Errorf("UOW_STRATEGY: %w", err)
		}
		cfg.Engine.Strategy = strategy
	}
	if val := l.getenv("UOW_MAX_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("UOW_MAX_RETRIES: %w", err)
		}
		cfg.Engine.Retry.MaxRetries = n
	}
	if val := l.getenv("UOW_MIN_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("UOW_MIN_DELAY: %w", err)
		}
		cfg.Engine.Retry.MinDelay = d
	}
	if val := l.getenv("UOW_MAX_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("UOW_MAX_DELAY: %w", err)
		}
		cfg.Engine.Retry.MaxDelay = d
	}
	if val := l.getenv("UOW_BREAKER_ENABLED"); val != "" {
		cfg.Engine.BreakerEnabled = parseBool(val)
	}

	if val := l.getenv("UOW_STORE_BACKEND"); val != "" {
		cfg.Store.Backend = strings.ToLower(val)
	}
	if val := l.getenv("UOW_SQLITE_PATH"); val != "" {
		cfg.Store.SQLitePath = val
	}
	if val := l.getenv("UOW_REDIS_ADDR"); val != "" {
		cfg.Store.RedisAddr = val
	}
	if val := l.getenv("TABLE_NAME"); val != "" {
		cfg.Store.TableName = val
	}
	if val := l.getenv("AWS_REGION"); val != "" {
		cfg.Store.Region = val
	}
	if val := l.getenv("DYNAMODB_ENDPOINT"); val != "" {
		cfg.Store.Endpoint = val
	}

	if val := l.getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = strings.ToLower(val)
	}
	if val := l.getenv("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = strings.ToLower(val)
	}
	if val := l.getenv("ENABLE_METRICS"); val != "" {
		cfg.Metrics.Enabled = parseBool(val)
	}
	if val := l.getenv("ENABLE_TRACING"); val != "" {
		cfg.Tracing.Enabled = parseBool(val)
	}
	if val := l.getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Endpoint = val
	}
	return nil
}

// defaultConfig returns a configuration the service can run with without any file.
func (l *Loader) defaultConfig() *Config {
	logFormat := "json"
	if l.environment == Development {
		logFormat = "console"
	}
	return &Config{
		Environment: l.environment,
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Engine: Engine{
			Retry:    uow.DefaultPolicy(),
			Strategy: uow.StrategyClientWins,
			Resolver: uow.DefaultResolverPolicy(),
			Breaker:  resilience.DefaultBreakerConfig("store"),
		},
		Store: Store{
			Backend:    BackendMemory,
			SQLitePath: "brain2-uow.db",
			TableName:  "brain2-uow-" + strings.ToLower(string(l.environment)),
			Region:     "us-east-1",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "uow",
		},
		Logging: Logging{
			Level:  "info",
			Format: logFormat,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: "brain2",
			Path:      "/metrics",
		},
		Tracing: observability.TracingConfig{
			ServiceName: "brain2-uow",
			Environment: string(l.environment),
		},
	}
}

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(reader io.Reader, target interface{}) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (y *YAMLLoader) Extension() string {
	return "yaml"
}

// JSONLoader loads configuration from JSON files.
type JSONLoader struct{}

func (j *JSONLoader) Load(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func (j *JSONLoader) Extension() string {
	return "json"
}

func parseBool(s string) bool {
	val, _ := strconv.ParseBool(s)
	return val
}

// EnvironmentFromEnv reads the environment from ENVIRONMENT, defaulting to development.
func EnvironmentFromEnv() Environment {
	switch strings.ToLower(os.Getenv("ENVIRONMENT")) {
	case "production", "prod":
		return Production
	case "staging":
		return Staging
	default:
		return Development
	}
}

// Load loads configuration from CONFIG_DIR (default ./config) for the current environment.
func Load() (*Config, *Loader, error) {
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	loader := NewLoader(dir, EnvironmentFromEnv())
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
