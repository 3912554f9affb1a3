// Package config loads runtime configuration from environment variables.
package config

import (
	"os"
	"time"
)

// Config holds process configuration.
type Config struct {
	LogLevel    string
	DatabaseDSN string

	// RedisAddr enables the Redis-backed policy source when set.
	RedisAddr string

	// BundleDir is where control bundles (YAML) are loaded from.
	BundleDir string

	// ProductionGateKey names the gate consulted for change execution.
	ProductionGateKey string

	// AutoApproveWindow is the execution window granted to auto-approved
	// low-risk changes.
	AutoApproveWindow time.Duration

	// JWT settings for actor token verification.
	JWTSecret string
	JWTIssuer string

	// Evidence bundle uploads.
	ExportBucket string
	ExportPrefix string

	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string
}

// Load reads configuration from the environment with defaults suitable for
// local development.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = "file:warden.db?_pragma=busy_timeout(5000)"
	}

	gateKey := os.Getenv("PRODUCTION_GATE_KEY")
	if gateKey == "" {
		gateKey = "production-change"
	}

	bundleDir := os.Getenv("BUNDLE_DIR")
	if bundleDir == "" {
		bundleDir = "./bundles"
	}

	window := 24 * time.Hour
	if raw := os.Getenv("AUTO_APPROVE_WINDOW"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			window = d
		}
	}

	prefix := os.Getenv("EXPORT_PREFIX")
	if prefix == "" {
		prefix = "warden/"
	}

	return &Config{
		LogLevel:          logLevel,
		DatabaseDSN:       dsn,
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		BundleDir:         bundleDir,
		ProductionGateKey: gateKey,
		AutoApproveWindow: window,
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         os.Getenv("JWT_ISSUER"),
		ExportBucket:      os.Getenv("EXPORT_BUCKET"),
		ExportPrefix:      prefix,
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}
}
