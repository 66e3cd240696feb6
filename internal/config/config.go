// Package config loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the chat service
type Config struct {
	// Server
	GRPCPort       int      `env:"GRPC_PORT" envDefault:"9090"`
	HTTPPort       int      `env:"HTTP_PORT" envDefault:"8080"`
	Environment    string   `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string   `env:"LOG_FORMAT" envDefault:"json"` // json, text or pretty
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Provider
	Provider      string `env:"PROVIDER" envDefault:"tgi"` // tgi or ollama
	HFEndpointURL string `env:"HF_ENDPOINT_URL"`           // full URL, overrides HF_API_URL + HF_MODEL_ID
	HFAPIURL      string `env:"HF_API_URL" envDefault:"https://api-inference.huggingface.co/models/"`
	HFModelID     string `env:"HF_MODEL_ID" envDefault:"mistralai/Mistral-7B-Instruct-v0.1"`
	HFToken       string `env:"HF_READ_TOKEN"`
	OllamaURL     string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaModel   string `env:"OLLAMA_MODEL" envDefault:"mistral"`

	// Generation
	MaxNewTokensCeiling int    `env:"MAX_NEW_TOKENS_CEILING" envDefault:"4096"`
	SystemPrompt        string `env:"SYSTEM_PROMPT"` // empty uses the built-in persona
	QueueSize           int    `env:"QUEUE_SIZE" envDefault:"32"`

	// Sessions
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"1h"`
	SessionMaxTurns int           `env:"SESSION_MAX_TURNS" envDefault:"0"`

	// PostgreSQL transcript archive (optional)
	DatabaseURL string `env:"DATABASE_URL"`

	// Auth
	APIKey    string        `env:"API_KEY"`
	JWTSecret string        `env:"JWT_SECRET" envDefault:"change-this-in-production"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case "tgi", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown PROVIDER %q", c.Provider))
	}
	if c.MaxNewTokensCeiling <= 0 {
		errs = append(errs, errors.New("MAX_NEW_TOKENS_CEILING must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("QUEUE_SIZE must be positive"))
	}
	if c.SessionMaxTurns < 0 {
		errs = append(errs, errors.New("SESSION_MAX_TURNS must not be negative"))
	}
	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
