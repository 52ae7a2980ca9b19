// Package config handles configuration loading for coven-queue.
//
// # Overview
//
// Configuration is loaded from YAML files, or TOML files when the path ends
// in .toml, with environment variable expansion. Missing values get defaults
// and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_QUEUE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/queue.yaml
//  3. ~/.config/coven/queue.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  cors_origins: ["https://app.example.com"]
//
//	database:
//	  path: "/var/lib/coven/queue.db"
//
//	queue:
//	  backend: "redis"           # memory (default) or redis
//	  redis_addr: "localhost:6379"
//	  prefix: "coven:queue"
//	  max_attempts: 3
//	  backoff: "2s"              # doubled on every retry
//	  retention: "1h"            # finished jobs are purged after this
//
//	workers:
//	  concurrency: 2
//	  poll_interval: "1s"        # redis backend wake-up interval
//	  job_timeout: "30m"         # optional hard limit; unset means none
//
//	agent:
//	  command: "claude"
//	  args: ["--permission-mode", "acceptEdits"]
//	  max_turns: 50
//
//	bridge:
//	  subscriber_limit: 4096     # pending events before a subscriber is dropped
//
//	logging:
//	  level: "info"              # debug, info, warn, error
//	  format: "text"             # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
