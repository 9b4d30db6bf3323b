// Package config provides configuration loading and validation for the
// transcription session service. Configuration is YAML-based with
// per-section validation; inference API keys may be supplied through the
// environment instead of the file.
package config
