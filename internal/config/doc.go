// Package config defines configuration structures for the cloudfetch CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (CLOUDFETCH_ prefix)
//   - YAML configuration file
//
// Flags override the environment, which overrides the file.
//
// # Example file
//
//	links: links.json
//	bucket: s3://results?region=eu-west-1
//	object: query-42
//	threads: 16
//	compressed: true
//	max_payload_size: 128MB
//	timeout: 30s
//	expiry_buffer: 1m
//	retry:
//	  timeouts: 2
//	  attempts: 3
//	  backoff: 250ms
//	proxy:
//	  enabled: true
//	  scheme: socks5
//	  host: proxy.internal
//	  port: 1080
package config
