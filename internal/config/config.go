// Package config provides the service configuration model and its loading
// (defaults, YAML file, .env and environment overrides, optional SSM secrets).
package config

import (
	"fmt"
	"time"

	"ictaccess/internal/policy"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`
	Notification NotificationConfig `yaml:"notification"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	SSM          SSMConfig          `yaml:"ssm"`
}

type ServerConfig struct {
	Port        string   `yaml:"port" validate:"required,numeric"`
	CORSOrigins []string `yaml:"cors_origins"`
	Release     bool     `yaml:"release"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port" validate:"required,numeric"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Name     string `yaml:"name" validate:"required"`
	SSLMode  string `yaml:"sslmode" validate:"required"`
}

// DSN returns the postgres connection URL.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// NotificationConfig is everything the SMS dispatcher and gateway client read.
// RetryAttempts and RetryBackoff become the retry schedule the dispatcher
// reports for failed sends.
type NotificationConfig struct {
	Enabled        bool            `yaml:"enabled"`
	TestMode       bool            `yaml:"test_mode"`
	BaseURL        string          `yaml:"base_url" validate:"omitempty,url"`
	APIKey         string          `yaml:"api_key"`
	APISecret      string          `yaml:"api_secret"`
	SenderID       string          `yaml:"sender_id" validate:"max=11"`
	Timeout        time.Duration   `yaml:"timeout" validate:"gt=0"`
	RetryAttempts  int             `yaml:"retry_attempts" validate:"gte=0"`
	RetryBackoff   []time.Duration `yaml:"retry_backoff"`
	RatePerHour    int             `yaml:"rate_limit_per_hour" validate:"gte=0"`
	MaxBulkSize    int             `yaml:"max_bulk_size" validate:"gt=0"`
	MaxConcurrency int             `yaml:"max_concurrency" validate:"gt=0"`
}

type WorkflowConfig struct {
	RequireRejectReason bool   `yaml:"require_reject_reason"`
	GenericTaskCap      int    `yaml:"generic_task_cap" validate:"gt=0"`
	ICTTaskCap          int    `yaml:"ict_task_cap" validate:"gt=0"`
	RetentionDays       int    `yaml:"retention_days" validate:"gt=0"`
	CleanupSchedule     string `yaml:"cleanup_schedule" validate:"required"`
	EventQueueSize      int    `yaml:"event_queue_size" validate:"gt=0"`
	EventWorkers        int    `yaml:"event_workers" validate:"gt=0"`
	ReferencePrefix     string `yaml:"reference_prefix" validate:"required,alphanum"`
}

// Policy returns the stage policy settings.
func (w WorkflowConfig) Policy() policy.Config {
	return policy.Config{
		RequireRejectReason: w.RequireRejectReason,
		GenericTaskCap:      w.GenericTaskCap,
		ICTTaskCap:          w.ICTTaskCap,
	}
}

// Retention is how long cancelled and rejected requests are kept.
func (w WorkflowConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

// SSMConfig enables the secret overlay from AWS Parameter Store when Path is set.
type SSMConfig struct {
	Path     string `yaml:"path"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        "8080",
			CORSOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Password: "postgres",
			Name:     "postgres",
			SSLMode:  "disable",
		},
		Log: LogConfig{Level: "info"},
		Notification: NotificationConfig{
			Enabled:        true,
			Timeout:        30 * time.Second,
			RetryAttempts:  3,
			RetryBackoff:   []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},
			RatePerHour:    5,
			MaxBulkSize:    100,
			MaxConcurrency: 8,
		},
		Workflow: WorkflowConfig{
			RequireRejectReason: true,
			GenericTaskCap:      3,
			ICTTaskCap:          5,
			RetentionDays:       90,
			CleanupSchedule:     "30 2 * * *",
			EventQueueSize:      256,
			EventWorkers:        4,
			ReferencePrefix:     "ICT",
		},
		SSM: SSMConfig{Region: "us-east-2"},
	}
}
