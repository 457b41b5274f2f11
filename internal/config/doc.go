// Package config loads the cibot configuration file.
//
// It handles:
//   - Parsing and validating repositories and CI servers
//   - Defaults for optional settings
//   - Serving engine policies from the current configuration
//   - Hot reload when the file changes
package config
