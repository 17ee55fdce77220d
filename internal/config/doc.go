// Package config handles YAML or TOML configuration loading with environment
// variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation. The decoder is chosen by file extension: .toml uses TOML,
// anything else YAML.
package config
