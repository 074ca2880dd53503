package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func EnvString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func EnvOrDefault(key, fallback string) string {
	value := EnvString(key)
	if value == "" {
		return fallback
	}
	return value
}

// EnvList splits a comma separated variable, dropping blank items.
func EnvList(key string, fallback []string) []string {
	raw := EnvString(key)
	if raw == "" {
		return fallback
	}
	return cleanList(strings.Split(raw, ","))
}

func parseIntEnv(key string, fallback int) int {
	raw := EnvString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := EnvString(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
