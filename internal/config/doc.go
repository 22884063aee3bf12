// Package config defines configuration structures for the telestore relay.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (TELESTORE_ prefix, .env files are loaded by main)
//   - YAML configuration file
//
// # Example
//
//	listen: ":8080"
//	base_url: "https://media.example.com"
//	chunk_size: 1MB
//	fetch_timeout: 30s
//	identity: relay
//	secret: change-me
//	primary_dc: 2
//	datacenters:
//	  2: "s3://media-dc2?region=eu-central-1"
//	  4: "s3://media-dc4?region=eu-central-1"
//	database_dsn: "postgres://telestore@localhost/telestore"
//	redis_addr: "localhost:6379"
//	cache_ttl: 10m
//	retry:
//	  attempts: 5
//	  backoff: 1s
//	  max_backoff: 30s
package config
