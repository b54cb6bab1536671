// Package common provides shared utilities for abnet CLI commands.
//
// This package contains the YAML service configuration and helper functions
// used by the standalone binaries: key loading and generation for Ed25519
// signing keys, and configuration file handling with sensible defaults.
package common

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flashbots/abnet/anonymity"
	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/store"
)

// Config is the abnet service configuration, loaded from a YAML file.
type Config struct {
	// ListenAddr is the API server's listen address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the Prometheus listener. Empty disables metrics.
	MetricsAddr string `yaml:"metrics_addr"`

	// EnablePprof toggles the pprof debugging API.
	EnablePprof bool `yaml:"enable_pprof"`

	// DrainDuration is how long /drain holds before shutdown proceeds.
	DrainDuration time.Duration `yaml:"drain_duration"`

	// GracefulShutdownDuration bounds in-flight request completion.
	GracefulShutdownDuration time.Duration `yaml:"graceful_shutdown_duration"`

	// SigningKeyHex is the service's Ed25519 private key. Generated when
	// empty.
	SigningKeyHex string `yaml:"signing_key"`

	// Redis configures the anonymity registry backend. An empty address
	// selects the in-memory registry.
	Redis anonymity.RedisConfig `yaml:"redis"`

	// Postgres configures the persistence layer. An empty host disables
	// persistence.
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for fields
// the file omits. An empty path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}
