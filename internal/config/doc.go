// Package config provides configuration loading for the execution service.
//
// Configuration is assembled from three layers in priority order: built-in
// defaults, an optional runspace.jsonc (or runspace.json) file in the
// server's directory, and SERVER_* / LOG_LEVEL environment variables.
// Command line flags are applied by the server binary on top of the loaded
// configuration.
//
// Config files may use JSONC comments and {env:VAR_NAME} placeholders,
// which are substituted with environment values before parsing.
package config
