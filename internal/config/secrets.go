package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	// DefaultSecretTimeout is how long to wait for a required secret file.
	DefaultSecretTimeout = 120 * time.Second
	// SecretPollInterval is how often to check for secret files.
	SecretPollInterval = 2 * time.Second
)

// timeSource is an interface for getting current time.
// This allows us to inject fake time in tests.
type timeSource interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realTime implements timeSource using the real time package.
type realTime struct{}

func (realTime) Now() time.Time                         { return time.Now() }
func (realTime) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SecretLoader loads secrets from environment variables or files written by
// the installer. The installer writes key material after the first wizard
// run, which may race the monitor's first start, so required secrets are
// waited for with a bounded timeout.
type SecretLoader struct {
	secretsDir string
	timeout    time.Duration
	timeSource timeSource
}

// NewSecretLoader creates a loader rooted at the given directory.
func NewSecretLoader(secretsDir string) *SecretLoader {
	return &SecretLoader{
		secretsDir: secretsDir,
		timeout:    DefaultSecretTimeout,
		timeSource: realTime{},
	}
}

// LoadFile loads a secret, preferring the environment variable over the file.
// If required=true and neither is present, waits up to the timeout for the
// file to appear.
func (l *SecretLoader) LoadFile(envKey, path string, required bool) (string, error) {
	if value := os.Getenv(envKey); value != "" {
		slog.Debug("using environment variable", "key", envKey)
		return trimSecret(value), nil
	}

	if value, err := l.readSecretFile(path); err == nil && value != "" {
		return value, nil
	}

	if !required {
		slog.Debug("optional secret not found", "key", envKey, "path", path)
		return "", nil
	}

	slog.Info("waiting for required secret", "key", envKey, "path", path, "timeout", l.timeout)
	return l.waitForSecret(envKey, path)
}

// waitForSecret polls for the secret file until it appears or the timeout expires.
func (l *SecretLoader) waitForSecret(envKey, path string) (string, error) {
	deadline := l.timeSource.Now().Add(l.timeout)

	for {
		if value, err := l.readSecretFile(path); err == nil && value != "" {
			slog.Info("secret became available", "key", envKey)
			return value, nil
		}

		if l.timeSource.Now().After(deadline) {
			return "", fmt.Errorf("timed out after %s waiting for %s at %s", l.timeout, envKey, path)
		}

		<-l.timeSource.After(SecretPollInterval)
	}
}

// readSecretFile reads a secret from the filesystem.
func (l *SecretLoader) readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	// Installer tooling often writes trailing newlines.
	return trimSecret(string(data)), nil
}

func trimSecret(value string) string {
	return strings.TrimSpace(value)
}
