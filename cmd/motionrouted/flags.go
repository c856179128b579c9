package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	DataDir         string
	BindHost        string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// StreamsCachePath is the discovery side file next to the mapping document.
func (c *CLIConfig) StreamsCachePath() string {
	return filepath.Join(c.DataDir, "streams.json")
}

// StreamValuesPath is the live-value snapshot file.
func (c *CLIConfig) StreamValuesPath() string {
	return filepath.Join(c.DataDir, "stream_values.json")
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("MOTIONROUTE_CONFIG", "mappings.json"),
		"Path to the mapping document (env: MOTIONROUTE_CONFIG)")

	flag.StringVar(&cfg.DataDir, "data-dir",
		getEnv("MOTIONROUTE_DATA_DIR", "."),
		"Directory for the streams cache and value snapshot (env: MOTIONROUTE_DATA_DIR)")

	flag.StringVar(&cfg.BindHost, "host",
		getEnv("MOTIONROUTE_HOST", "0.0.0.0"),
		"Host to bind the motion capture listener (env: MOTIONROUTE_HOST)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MOTIONROUTE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: MOTIONROUTE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MOTIONROUTE_LOG_FORMAT", "text"),
		"Log format: json, text (env: MOTIONROUTE_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("MOTIONROUTE_DEBUG", false),
		"Enable debug logging (env: MOTIONROUTE_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MOTIONROUTE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: MOTIONROUTE_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Load and validate the mapping document, then exit")

	flag.Usage = printDetailedHelp
	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if info, err := os.Stat(cfg.DataDir); err != nil || !info.IsDir() {
		return fmt.Errorf("data dir not found: %s", cfg.DataDir)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - motion capture to parameter router

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a custom mapping document
  %s --config=/etc/motionroute/mappings.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export MOTIONROUTE_CONFIG=/etc/motionroute/mappings.json
  export MOTIONROUTE_LOG_LEVEL=debug
  %s

  # Validate the mapping document only
  %s --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
