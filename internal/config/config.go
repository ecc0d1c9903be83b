// Package config loads the service configuration from defaults, yaml or json files and
// environment variables, and reloads it on file changes in development.
package config

import (
	"fmt"
	"strings"
	"time"

	"brain2-uow/internal/infrastructure/observability"
	"brain2-uow/internal/infrastructure/resilience"
	"brain2-uow/internal/uow"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment" validate:"required,oneof=development staging production"`
	Server      Server      `yaml:"server" json:"server"`
	Engine      Engine      `yaml:"engine" json:"engine"`
	Store       Store       `yaml:"store" json:"store"`
	Logging     Logging     `yaml:"logging" json:"logging"`
	Metrics     Metrics     `yaml:"metrics" json:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing" json:"tracing"`

	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Server configures the HTTP server.
type Server struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"min=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Engine configures the unit-of-work engine.
type Engine struct {
	Retry    uow.Policy              `yaml:"retry" json:"retry"`
	Strategy uow.ConcurrencyStrategy `yaml:"strategy" json:"strategy"`
	Resolver uow.ResolverPolicy      `yaml:"resolver" json:"resolver"`
	Breaker  resilience.BreakerConfig `yaml:"breaker" json:"breaker"`
	// BreakerEnabled guards store commits with a circuit breaker.
	BreakerEnabled bool `yaml:"breaker_enabled" json:"breaker_enabled"`
}

// Store selects and configures the store backend.
type Store struct {
	Backend    string `yaml:"backend" json:"backend" validate:"required,oneof=memory sqlite dynamodb redis"`
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path" validate:"required_if=Backend sqlite"`
	TableName  string `yaml:"table_name" json:"table_name" validate:"required_if=Backend dynamodb"`
	Region     string `yaml:"region" json:"region"`
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	RedisAddr  string `yaml:"redis_addr" json:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB    int    `yaml:"redis_db" json:"redis_db" validate:"min=0"`
	KeyPrefix  string `yaml:"key_prefix" json:"key_prefix"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
}

// Metrics configures the prometheus endpoint.
type Metrics struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
}

// Validate checks struct constraints and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	var problems []string
	if c.Engine.Retry.MaxDelay < c.Engine.Retry.MinDelay {
		problems = append(problems, "engine.retry.max_delay must not be below min_delay")
	}
	if c.Engine.Resolver.MaxDelay < c.Engine.Resolver.MinDelay {
		problems = append(problems, "engine.resolver.max_delay must not be below min_delay")
	}
	if c.Environment == Production && c.Store.Backend == BackendMemory {
		problems = append(problems, "store.backend memory is not allowed in production")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment reports whether hot reloading and local overrides apply.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}
