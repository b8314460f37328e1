// Package config reads process settings from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/soaringjerry/persuasion/internal/db"
	"github.com/soaringjerry/persuasion/internal/utils"
)

const (
	JobBackendMemory = "memory"
	JobBackendNATS   = "nats"
)

type Config struct {
	Addr           string
	SessionSecret  string
	SessionTTL     time.Duration
	SecureCookies  bool
	AllowedOrigins []string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAITemperature float32
	OpenAIMaxTokens   int
	OpenAITimeout     time.Duration

	DatabaseDriver string
	DatabaseURL    string
	ResultsTable   string

	JobBackend string
	NATSURL    string
	JobWorkers int
	JobTimeout time.Duration

	CompletionURLPass string
	CompletionURLFail string

	LogLevel  slog.Level
	Commit    string
	BuildTime string
}

// Load reads the configuration. Missing optional values get defaults.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:           utils.SafeEnv("PERSUASION_ADDR", ":8080"),
		SessionSecret:  utils.SafeEnv("PERSUASION_SESSION_SECRET", ""),
		SessionTTL:     utils.EnvDuration("PERSUASION_SESSION_TTL", 6*time.Hour),
		SecureCookies:  utils.SafeEnv("PERSUASION_SECURE_COOKIES", "true") != "false",
		AllowedOrigins: utils.EnvList("PERSUASION_ALLOWED_ORIGINS", nil),

		OpenAIAPIKey:      utils.SafeEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     utils.SafeEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:       utils.SafeEnv("OPENAI_MODEL", "gpt-4"),
		OpenAITemperature: float32(utils.EnvFloat("OPENAI_TEMPERATURE", 1.0)),
		OpenAIMaxTokens:   utils.EnvInt("OPENAI_MAX_TOKENS", 1024),
		OpenAITimeout:     utils.EnvDuration("OPENAI_TIMEOUT", 90*time.Second),

		DatabaseDriver: utils.SafeEnv("DATABASE_DRIVER", db.DriverPostgres),
		DatabaseURL:    utils.SafeEnv("DATABASE_URL", ""),
		ResultsTable:   utils.SafeEnv("RESULTS_TABLE", "study_data"),

		JobBackend: strings.ToLower(utils.SafeEnv("JOB_BACKEND", JobBackendMemory)),
		NATSURL:    utils.SafeEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JobWorkers: utils.EnvInt("JOB_WORKERS", 4),
		JobTimeout: utils.EnvDuration("JOB_TIMEOUT", 2*time.Minute),

		CompletionURLPass: utils.SafeEnv("COMPLETION_URL_PASS", ""),
		CompletionURLFail: utils.SafeEnv("COMPLETION_URL_FAIL", ""),

		LogLevel:  ParseLevel(utils.SafeEnv("LOG_LEVEL", "info")),
		Commit:    utils.SafeEnv("PERSUASION_COMMIT", ""),
		BuildTime: utils.SafeEnv("PERSUASION_BUILD_TIME", ""),
	}
	return cfg
}

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// ValidateServer checks the settings the HTTP server cannot start without.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.SessionSecret == "" {
		errs = append(errs, errors.New("PERSUASION_SESSION_SECRET is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if err := c.validateJobs(); err != nil {
		errs = append(errs, err)
	}
	if c.JobBackend == JobBackendMemory {
		if err := c.validateModel(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the settings a standalone job worker needs.
func (c *Config) ValidateWorker() error {
	if c.JobBackend != JobBackendNATS {
		return fmt.Errorf("worker requires JOB_BACKEND=%s", JobBackendNATS)
	}
	return errors.Join(c.validateJobs(), c.validateModel())
}

func (c *Config) validateJobs() error {
	switch c.JobBackend {
	case JobBackendMemory, JobBackendNATS:
	default:
		return fmt.Errorf("unknown JOB_BACKEND %q", c.JobBackend)
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive, got %d", c.JobWorkers)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive, got %s", c.JobTimeout)
	}
	return nil
}

func (c *Config) validateModel() error {
	if c.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	return nil
}
