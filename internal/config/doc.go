// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  base_url: "${COVEN_CHAT_URL}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  request_timeout: "30s"
//
// # Configuration Sections
//
// Server endpoints:
//
//	server:
//	  base_url: "http://localhost:8080"
//	  ws_url: "ws://localhost:8080/api/voice"
//	  request_timeout: "30s"
//
// Assistant behavior:
//
//	assistant:
//	  model: ""            # backend default when empty
//	  language: "en"
//	  tool_use: true
//	  history_limit: 40
//
// Storage backend:
//
//	storage:
//	  backend: "file"      # memory, file, sqlite
//	  path: "~/.local/share/coven-chat"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
