package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	cfhttp "github.com/ligustah/cloudfetch/internal/http"
	"github.com/ligustah/cloudfetch/internal/progress"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// Config defines configuration for the cloudfetch CLI.
type Config struct {
	Links          string        `yaml:"links"`
	SourceBucket   string        `yaml:"source_bucket"`
	Output         string        `yaml:"output"`
	Format         string        `yaml:"format"`
	Bucket         string        `yaml:"bucket"`
	Object         string        `yaml:"object"`
	Threads        int           `yaml:"threads"`
	BatchSize      int           `yaml:"batch_size"`
	Compressed     bool          `yaml:"compressed"`
	VerifyRows     bool          `yaml:"verify_rows"`
	MaxPayloadSize int64         `yaml:"max_payload_size"`
	Progress       bool          `yaml:"progress"`
	Timeout        time.Duration `yaml:"timeout"`
	ExpiryBuffer   time.Duration `yaml:"expiry_buffer"`
	Retry          RetryConfig   `yaml:"retry"`
	HTTP           HTTPConfig    `yaml:"http"`
	Proxy          ProxyConfig   `yaml:"proxy"`
}

// RetryConfig defines how failed result file downloads are retried.
type RetryConfig struct {
	// Timeouts is the number of consecutive timed out downloads resubmitted
	// before the failure is reported.
	Timeouts int           `yaml:"timeouts"`
	// Attempts is the number of unsuccessful rounds tolerated per chunk.
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// HTTPConfig defines request level retries of the HTTP transport.
type HTTPConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// ProxyConfig defines the proxy used for result file downloads.
type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bypass   bool   `yaml:"bypass"`
	Scheme   string `yaml:"scheme"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Output formats for file destinations.
const (
	// FormatRaw writes the payloads back to back, exactly as delivered.
	FormatRaw = "raw"
	// FormatArrow merges all payloads into a single Arrow IPC stream.
	FormatArrow = "arrow"
)

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Format:         FormatRaw,
		Threads:        cloudfetch.DefaultMaxDownloadThreads,
		BatchSize:      100,
		MaxPayloadSize: cloudfetch.DefaultMaxPayloadSize,
		Timeout:        cloudfetch.DefaultDownloadTimeout,
		Retry: RetryConfig{
			Attempts: cloudfetch.DefaultMaxAttempts,
			Backoff:  cloudfetch.DefaultRetryBackoff,
		},
		HTTP: HTTPConfig{
			RetryAttempts: 3,
			RetryBackoff:  200 * time.Millisecond,
			MaxBackoff:    5 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Links          string          `yaml:"links"`
	SourceBucket   string          `yaml:"source_bucket"`
	Output         string          `yaml:"output"`
	Format         string          `yaml:"format"`
	Bucket         string          `yaml:"bucket"`
	Object         string          `yaml:"object"`
	Threads        int             `yaml:"threads"`
	BatchSize      int             `yaml:"batch_size"`
	Compressed     bool            `yaml:"compressed"`
	VerifyRows     bool            `yaml:"verify_rows"`
	MaxPayloadSize string          `yaml:"max_payload_size"`
	Progress       bool            `yaml:"progress"`
	Timeout        string          `yaml:"timeout"`
	ExpiryBuffer   string          `yaml:"expiry_buffer"`
	Retry          yamlRetryConfig `yaml:"retry"`
	HTTP           yamlHTTPConfig  `yaml:"http"`
	Proxy          ProxyConfig     `yaml:"proxy"`
}

type yamlRetryConfig struct {
	Timeouts int    `yaml:"timeouts"`
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"`
}

type yamlHTTPConfig struct {
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryBackoff  string `yaml:"retry_backoff"`
	MaxBackoff    string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	cfg.Links = yc.Links
	cfg.SourceBucket = yc.SourceBucket
	cfg.Output = yc.Output
	cfg.Bucket = yc.Bucket
	cfg.Object = yc.Object
	cfg.Compressed = yc.Compressed
	cfg.VerifyRows = yc.VerifyRows
	cfg.Progress = yc.Progress
	cfg.Proxy = yc.Proxy

	if yc.Format != "" {
		cfg.Format = yc.Format
	}
	if yc.Threads != 0 {
		cfg.Threads = yc.Threads
	}
	if yc.BatchSize != 0 {
		cfg.BatchSize = yc.BatchSize
	}
	if yc.MaxPayloadSize != "" {
		size, err := progress.ParseBytes(yc.MaxPayloadSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse max_payload_size: %w", err)
		}
		cfg.MaxPayloadSize = size
	}
	if yc.Retry.Timeouts != 0 {
		cfg.Retry.Timeouts = yc.Retry.Timeouts
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.HTTP.RetryAttempts != 0 {
		cfg.HTTP.RetryAttempts = yc.HTTP.RetryAttempts
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"timeout", yc.Timeout, &cfg.Timeout},
		{"expiry_buffer", yc.ExpiryBuffer, &cfg.ExpiryBuffer},
		{"retry.backoff", yc.Retry.Backoff, &cfg.Retry.Backoff},
		{"http.retry_backoff", yc.HTTP.RetryBackoff, &cfg.HTTP.RetryBackoff},
		{"http.max_backoff", yc.HTTP.MaxBackoff, &cfg.HTTP.MaxBackoff},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CLOUDFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"CLOUDFETCH_LINKS":         &c.Links,
		"CLOUDFETCH_SOURCE_BUCKET": &c.SourceBucket,
		"CLOUDFETCH_OUTPUT":        &c.Output,
		"CLOUDFETCH_FORMAT":        &c.Format,
		"CLOUDFETCH_BUCKET":        &c.Bucket,
		"CLOUDFETCH_OBJECT":        &c.Object,
		"CLOUDFETCH_PROXY_HOST":    &c.Proxy.Host,
		"CLOUDFETCH_PROXY_USER":    &c.Proxy.Username,
		"CLOUDFETCH_PROXY_PASS":    &c.Proxy.Password,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CLOUDFETCH_THREADS":      &c.Threads,
		"CLOUDFETCH_BATCH_SIZE":   &c.BatchSize,
		"CLOUDFETCH_RETRIES":      &c.Retry.Timeouts,
		"CLOUDFETCH_MAX_ATTEMPTS": &c.Retry.Attempts,
		"CLOUDFETCH_HTTP_RETRIES": &c.HTTP.RetryAttempts,
		"CLOUDFETCH_PROXY_PORT":   &c.Proxy.Port,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"CLOUDFETCH_TIMEOUT":       &c.Timeout,
		"CLOUDFETCH_EXPIRY_BUFFER": &c.ExpiryBuffer,
		"CLOUDFETCH_RETRY_BACKOFF": &c.Retry.Backoff,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("CLOUDFETCH_MAX_PAYLOAD_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse CLOUDFETCH_MAX_PAYLOAD_SIZE: %w", err)
		}
		c.MaxPayloadSize = size
	}

	bools := map[string]*bool{
		"CLOUDFETCH_COMPRESSED":  &c.Compressed,
		"CLOUDFETCH_VERIFY_ROWS": &c.VerifyRows,
		"CLOUDFETCH_PROGRESS":    &c.Progress,
		"CLOUDFETCH_PROXY":       &c.Proxy.Enabled,
	}
	for name, dst := range bools {
		if v := os.Getenv(name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	return nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Links == "" {
		result = multierror.Append(result, errors.New("config: links manifest is required"))
	}
	switch {
	case c.Output != "" && c.Bucket != "":
		result = multierror.Append(result, errors.New("config: output and bucket are mutually exclusive"))
	case c.Output == "" && c.Bucket == "":
		result = multierror.Append(result, errors.New("config: output or bucket is required"))
	case c.Bucket != "" && c.Object == "":
		result = multierror.Append(result, errors.New("config: object is required with bucket"))
	}
	switch c.Format {
	case "", FormatRaw:
	case FormatArrow:
		if c.Bucket != "" {
			result = multierror.Append(result, errors.New("config: format arrow applies to output files only"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("config: unknown format %q", c.Format))
	}
	if c.Threads <= 0 {
		result = multierror.Append(result, errors.New("config: threads must be positive"))
	}
	if c.BatchSize < 0 {
		result = multierror.Append(result, errors.New("config: batch_size must not be negative"))
	}
	if c.MaxPayloadSize <= 0 {
		result = multierror.Append(result, errors.New("config: max_payload_size must be positive"))
	}
	if c.Timeout <= 0 {
		result = multierror.Append(result, errors.New("config: timeout must be positive"))
	}
	if c.ExpiryBuffer < 0 {
		result = multierror.Append(result, errors.New("config: expiry_buffer must not be negative"))
	}
	if c.Retry.Timeouts < 0 {
		result = multierror.Append(result, errors.New("config: retry.timeouts must not be negative"))
	}
	if c.Retry.Attempts <= 0 {
		result = multierror.Append(result, errors.New("config: retry.attempts must be positive"))
	}
	if c.Proxy.Enabled && c.Proxy.Host == "" {
		result = multierror.Append(result, errors.New("config: proxy.host is required when the proxy is enabled"))
	}
	switch c.Proxy.Scheme {
	case "", "http", "https", "socks5":
	default:
		result = multierror.Append(result, fmt.Errorf("config: unsupported proxy scheme %q", c.Proxy.Scheme))
	}

	return result.ErrorOrNil()
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Links != "" {
		c.Links = override.Links
	}
	if override.SourceBucket != "" {
		c.SourceBucket = override.SourceBucket
	}
	if override.Output != "" {
		c.Output = override.Output
	}
	if override.Format != "" {
		c.Format = override.Format
	}
	if override.Bucket != "" {
		c.Bucket = override.Bucket
	}
	if override.Object != "" {
		c.Object = override.Object
	}
	if override.Threads != 0 {
		c.Threads = override.Threads
	}
	if override.BatchSize != 0 {
		c.BatchSize = override.BatchSize
	}
	if override.Compressed {
		c.Compressed = true
	}
	if override.VerifyRows {
		c.VerifyRows = true
	}
	if override.MaxPayloadSize != 0 {
		c.MaxPayloadSize = override.MaxPayloadSize
	}
	if override.Progress {
		c.Progress = true
	}
	if override.Timeout != 0 {
		c.Timeout = override.Timeout
	}
	if override.ExpiryBuffer != 0 {
		c.ExpiryBuffer = override.ExpiryBuffer
	}
	if override.Retry.Timeouts != 0 {
		c.Retry.Timeouts = override.Retry.Timeouts
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Proxy.Host != "" {
		c.Proxy = override.Proxy
	}
	return c
}

// ProxySettings converts the proxy section for the download settings.
func (c Config) ProxySettings() cloudfetch.ProxySettings {
	return cloudfetch.ProxySettings{
		UseProxy:                  c.Proxy.Enabled,
		DisableProxyForCloudFetch: c.Proxy.Bypass,
		Scheme:                    c.Proxy.Scheme,
		Host:                      c.Proxy.Host,
		Port:                      c.Proxy.Port,
		Username:                  c.Proxy.Username,
		Password:                  c.Proxy.Password,
	}
}

// HTTPFetcherOptions returns the transport options for HTTP links.
func (c Config) HTTPFetcherOptions() cloudfetch.HTTPFetcherOptions {
	opts := cfhttp.DefaultOptions()
	opts.RetryAttempts = c.HTTP.RetryAttempts
	if c.HTTP.RetryBackoff > 0 {
		opts.RetryBackoff = c.HTTP.RetryBackoff
	}
	if c.HTTP.MaxBackoff > 0 {
		opts.RetryMaxBackoff = c.HTTP.MaxBackoff
	}
	return cloudfetch.HTTPFetcherOptions{
		ProxyURL:       c.ProxySettings().URL(),
		MaxPayloadSize: c.MaxPayloadSize,
		Client:         opts,
	}
}

// SettingsOptions returns the options building download settings from c.
func (c Config) SettingsOptions() []cloudfetch.Option {
	return []cloudfetch.Option{
		cloudfetch.WithCompression(c.Compressed),
		cloudfetch.WithVerifyRowCount(c.VerifyRows),
		cloudfetch.WithMaxDownloadThreads(c.Threads),
		cloudfetch.WithDownloadTimeout(c.Timeout),
		cloudfetch.WithLinkExpiryBuffer(c.ExpiryBuffer),
		cloudfetch.WithMaxConsecutiveRetries(c.Retry.Timeouts),
		cloudfetch.WithRetryBackoff(c.Retry.Backoff),
		cloudfetch.WithMaxPayloadSize(c.MaxPayloadSize),
		cloudfetch.WithProxy(c.ProxySettings()),
	}
}
