// Package config provides configuration loading and validation for the meeting bot service.
// It reads YAML or TOML files over built-in defaults, applies environment overrides
// for secrets, and validates every section before the service starts.
package config
