package main

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/config"
)

// captureLogOutput calls logConfigWarnings with the given config and returns
// the captured log output as a string.
func captureLogOutput(cfg *config.Config) string {
	var buf bytes.Buffer
	original := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(original)

	logConfigWarnings(cfg)
	return buf.String()
}

func TestLogConfigWarnings_SweepDisabled(t *testing.T) {
	cfg := &config.Config{
		SweepEnabled:            false,
		RateLimitBackend:        "redis",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 5,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P0]: SWEEP_ENABLED=false") {
		t.Error("expected sweep-disabled P0 warning, got:", output)
	}
	if strings.Contains(output, "WARNING [P1]: METRICS_ENABLED=false") {
		t.Error("did not expect metrics warning when metrics enabled, got:", output)
	}
}

func TestLogConfigWarnings_MemoryRateLimiter(t *testing.T) {
	cfg := &config.Config{
		SweepEnabled:            true,
		RateLimitBackend:        "memory",
		MetricsEnabled:          true,
		CircuitBreakerThreshold: 5,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "INFO: RATE_LIMIT_BACKEND=memory") {
		t.Error("expected memory rate limiter INFO, got:", output)
	}
	if strings.Contains(output, "WARNING [P0]") {
		t.Error("did not expect P0 warnings for a sweep-enabled config, got:", output)
	}
}

func TestLogConfigWarnings_MetricsAndBreakerDisabled(t *testing.T) {
	cfg := &config.Config{
		SweepEnabled:            true,
		RateLimitBackend:        "redis",
		MetricsEnabled:          false,
		CircuitBreakerThreshold: 0,
	}
	output := captureLogOutput(cfg)

	if !strings.Contains(output, "WARNING [P1]: METRICS_ENABLED=false") {
		t.Error("expected metrics P1 warning, got:", output)
	}
	if !strings.Contains(output, "circuit breaker disabled") {
		t.Error("expected circuit breaker INFO, got:", output)
	}
}
