// Package config provides configuration loading and validation for the siren detection service.
// It handles YAML-based configuration layered over built-in defaults, with per-section
// validation and duration helpers.
package config
