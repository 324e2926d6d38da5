// Package config loads runtime configuration from multiple sources (YAML files,
// environment variables and an optional .env file, CLI flags) with precedence:
// CLI flags > YAML config > Environment variables > Defaults. Settings are
// grouped into document store connection, monitoring cadence, optimization
// cadence and storage backend selection, and are validated once at startup.
package config
