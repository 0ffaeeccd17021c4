package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable. An unparsable value is an error
// so a typo in deployment config fails startup instead of silently using the default.
func GetEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q: %w", key, raw, err)
	}
	return v, nil
}

// GetEnvFloat reads a float environment variable.
func GetEnvFloat(key string, fallback float64) (float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q: %w", key, raw, err)
	}
	return v, nil
}

// GetEnvBool reads a boolean environment variable (true/false/1/0).
func GetEnvBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q: %w", key, raw, err)
	}
	return v, nil
}

// GetEnvDuration reads a Go duration string such as "1s" or "2m30s".
func GetEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q: %w", key, raw, err)
	}
	return v, nil
}

// Loader collects the first parse error across a series of typed reads so a
// constructor can read its whole config and check once.
type Loader struct {
	err error
}

func (l *Loader) Int(key string, fallback int) int {
	v, err := GetEnvInt(key, fallback)
	l.keep(err)
	return v
}

func (l *Loader) Float(key string, fallback float64) float64 {
	v, err := GetEnvFloat(key, fallback)
	l.keep(err)
	return v
}

func (l *Loader) Bool(key string, fallback bool) bool {
	v, err := GetEnvBool(key, fallback)
	l.keep(err)
	return v
}

func (l *Loader) Duration(key string, fallback time.Duration) time.Duration {
	v, err := GetEnvDuration(key, fallback)
	l.keep(err)
	return v
}

// Err returns the first error seen, if any.
func (l *Loader) Err() error {
	return l.err
}

func (l *Loader) keep(err error) {
	if err != nil && l.err == nil {
		l.err = err
	}
}
