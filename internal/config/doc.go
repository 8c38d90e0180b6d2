// Package config handles configuration loading for concierge.
//
// # Configuration File
//
// The serve command looks for, in order:
//
//  1. Path from CONCIERGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/concierge/concierge.yaml
//  3. ~/.config/concierge/concierge.yaml
//
// Files ending in .toml are parsed as TOML; anything else as YAML.
//
// # Environment
//
// A .env file in the same directory as the config is loaded first. Values
// already in the environment win. Then ${VAR_NAME} references are expanded:
//
//	auth:
//	  jwt_secret: "${CONCIERGE_JWT_SECRET}"
//
// Unset variables expand to an empty string. CONCIERGE_DB_PATH overrides
// database.path at startup.
//
// # Durations
//
// Duration values use Go's time.ParseDuration syntax ("500ms", "10s", "12h").
//
// # Sections
//
//	server:      http_addr, allowed_origins
//	database:    driver (sqlite|postgres), path, dsn
//	auth:        jwt_secret (empty disables admin auth), token_ttl
//	responder:   url (empty disables AI replies), path, timeout, reply_delay
//	queue:       backend (memory|redis), workers, buffer, redis_url, name
//	events:      backend (memory|redis), redis_url, channel
//	idempotency: ttl, max_entries
//	logging:     level, format (text|json)
//	metrics:     enabled, path
package config
