// Package config provides configuration loading and validation for the chunk recorder.
// It handles YAML-based configuration layered over built-in defaults, validates every
// section, and converts numeric second values into time.Duration.
package config
