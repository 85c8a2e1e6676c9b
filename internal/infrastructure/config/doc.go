// Package config loads server configuration.
//
// Values come from three layers, later layers winning:
//   - struct tag defaults
//   - environment variables (via kelseyhightower/envconfig)
//   - an optional TOML or YAML file named by SHELLD_CONFIG
//
// Example file:
//
//	[server]
//	port = "9000"
//
//	[shell]
//	grace_window = "250ms"
//	tty = true
package config
