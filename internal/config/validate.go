package config

import (
	"fmt"
	"time"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	if cfg.DispatchTimeoutStr != "" {
		d, err := time.ParseDuration(cfg.DispatchTimeoutStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "DISPATCH_TIMEOUT",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "DISPATCH_TIMEOUT",
				Message: "must be positive",
			})
		}
	}

	if cfg.SweepIntervalStr != "" {
		d, err := time.ParseDuration(cfg.SweepIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	// SWEEP_SCHEDULE, when set, must be a parseable cron expression.
	if cfg.SweepSchedule != "" {
		if _, err := cron.NewParser().Parse(cfg.SweepSchedule, cfg.SweepTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_SCHEDULE",
				Message: err.Error(),
			})
		}
	}

	// RATE_LIMIT_BACKEND must be "memory" or "redis"
	switch cfg.RateLimitBackend {
	case "", "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, ValidationError{
				Field:   "REDIS_ADDR",
				Message: "required when RATE_LIMIT_BACKEND=redis",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "RATE_LIMIT_BACKEND",
			Message: fmt.Sprintf("must be 'memory' or 'redis', got %q", cfg.RateLimitBackend),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
