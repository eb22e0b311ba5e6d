// Package config loads trainwatch settings from the environment.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config holds all configuration values.
type Config struct {
	// Run storage
	LogRoot    string
	WeightsDir string

	// Board
	BoardAddr string
	BoardURL  string

	// SurrealDB run history; empty URL disables it
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// S3 weights mirror; empty bucket disables it
	S3Bucket string
	S3Prefix string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		LogRoot:    getEnv("TRAINWATCH_LOG_ROOT", filepath.Join("logs", "fit")),
		WeightsDir: getEnv("TRAINWATCH_WEIGHTS_DIR", "."),

		BoardAddr: getEnv("TRAINWATCH_BOARD_ADDR", ":6006"),
		BoardURL:  getEnv("TRAINWATCH_BOARD_URL", "http://localhost:6006"),

		SurrealDBURL:       getEnv("SURREALDB_URL", ""),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "trainwatch"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "runs"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		S3Bucket: getEnv("TRAINWATCH_S3_BUCKET", ""),
		S3Prefix: getEnv("TRAINWATCH_S3_PREFIX", "trainwatch"),

		LogFile:  getEnv("TRAINWATCH_LOG_FILE", filepath.Join(os.TempDir(), "trainwatch.log")),
		LogLevel: parseLogLevel(getEnv("TRAINWATCH_LOG_LEVEL", "INFO")),
	}
}

// HistoryEnabled reports whether run history should be kept in SurrealDB.
func (c Config) HistoryEnabled() bool {
	return c.SurrealDBURL != ""
}

// MirrorEnabled reports whether weights should be copied to S3.
func (c Config) MirrorEnabled() bool {
	return c.S3Bucket != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
