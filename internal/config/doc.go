// Package config handles configuration loading for fireside-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The file extension picks the decoder: ".toml" uses TOML,
// anything else YAML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FIRESIDE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/fireside/gateway.yaml
//  3. ~/.config/fireside/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${FIRESIDE_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	broker:
//	  ping_period: "30s"
//	  read_timeout: "60s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/fireside/gateway.db"
//
//	auth:
//	  jwt_secret: "${FIRESIDE_JWT_SECRET}"
//
//	broker:
//	  send_buffer: 128
//	  allowed_origins: ["https://app.fireside.example"]
//
//	conversations:
//	  preview_length: 200
//	  idempotency_ttl: "10m"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
