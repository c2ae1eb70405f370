package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file at yamlPath
// (skipped when empty or missing), then environment overrides. envPath is a
// .env file loaded into the process environment first; a missing file is not
// an error. The result is validated.
func Load(envPath, yamlPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config env file: %w", err)
		}
	}

	cfg := Default()
	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config load: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config unmarshal: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

func applyEnvOverrides(c *Config) error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.SSM.Path, "SSM_PARAMETER_PATH")
	setString(&c.SSM.Region, "AWS_REGION")
	setString(&c.SSM.Endpoint, "ICTA_SSM_ENDPOINT")
	if v := os.Getenv("ICTA_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	setString(&c.Notification.BaseURL, "ICTA_SMS_BASE_URL")
	setString(&c.Notification.APIKey, "ICTA_SMS_API_KEY")
	setString(&c.Notification.APISecret, "ICTA_SMS_API_SECRET")
	setString(&c.Notification.SenderID, "ICTA_SMS_SENDER_ID")
	setString(&c.Workflow.CleanupSchedule, "ICTA_CLEANUP_SCHEDULE")
	setString(&c.Workflow.ReferencePrefix, "ICTA_REFERENCE_PREFIX")

	var errs []error
	errs = append(errs,
		setBool(&c.Server.Release, "ICTA_RELEASE"),
		setBool(&c.Log.Pretty, "ICTA_LOG_PRETTY"),
		setBool(&c.Notification.Enabled, "ICTA_SMS_ENABLED"),
		setBool(&c.Notification.TestMode, "ICTA_SMS_TEST_MODE"),
		setDuration(&c.Notification.Timeout, "ICTA_SMS_TIMEOUT"),
		setInt(&c.Notification.RatePerHour, "ICTA_SMS_RATE_LIMIT_PER_HOUR"),
		setInt(&c.Notification.MaxBulkSize, "ICTA_SMS_MAX_BULK_SIZE"),
		setInt(&c.Notification.MaxConcurrency, "ICTA_SMS_MAX_CONCURRENCY"),
		setBool(&c.Workflow.RequireRejectReason, "ICTA_REQUIRE_REJECT_REASON"),
		setInt(&c.Workflow.GenericTaskCap, "ICTA_GENERIC_TASK_CAP"),
		setInt(&c.Workflow.ICTTaskCap, "ICTA_ICT_TASK_CAP"),
		setInt(&c.Workflow.RetentionDays, "ICTA_RETENTION_DAYS"),
		setInt(&c.Workflow.EventQueueSize, "ICTA_EVENT_QUEUE_SIZE"),
		setInt(&c.Workflow.EventWorkers, "ICTA_EVENT_WORKERS"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config env %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config env %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config env %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
