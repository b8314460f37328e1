package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SafeEnv returns the environment variable value for key, or fallback if empty.
func SafeEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// EnvInt parses key as an integer, returning fallback when unset or malformed.
func EnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(SafeEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// EnvFloat parses key as a float.
func EnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(SafeEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

// EnvDuration parses key with time.ParseDuration.
func EnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(SafeEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// EnvList splits a comma separated value, dropping empty entries.
func EnvList(key string, fallback []string) []string {
	raw := SafeEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
