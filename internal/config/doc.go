// Package config handles configuration loading for seance-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backends:
//	  - id: "openai"
//	    base_url: "${SEANCE_OPENAI_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  poll_interval: "1500ms"
//	  lease_ttl: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and stores:
//
//	server:
//	  http_addr: "0.0.0.0:8484"
//	redis:
//	  addr: "localhost:6379"
//	  db: 0
//	database:
//	  path: "/var/lib/seance/seance.db"
//
// Admission and continuity:
//
//	queue:
//	  poll_interval: "1500ms"
//	  lease_ttl: "2m"
//	conversations:
//	  retention: "24h"    # empty keeps records forever
//	dispatch:
//	  retry_budget: 3.0
//	  dedupe_window: "5m"
//
// Backends:
//
//	backends:
//	  - id: "openai"
//	    type: "openai"         # openai, relay, echo
//	    base_url: "https://api.openai.com/v1"
//	    model: "gpt-4o-mini"
//	    seed_file: "/etc/seance/openai-credentials.toml"
//	  - id: "relay"
//	    type: "relay"
//	    base_url: "${SEANCE_RELAY_URL}"
//	    tone_style: "Creative"
//	    credential_cooldown: "6h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
