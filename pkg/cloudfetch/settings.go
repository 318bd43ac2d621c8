package cloudfetch

import (
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Defaults applied by NewSettings.
const (
	DefaultDownloadTimeout    = 60 * time.Second
	DefaultMaxDownloadThreads = 10
	DefaultRetryBackoff       = 100 * time.Millisecond
	DefaultMaxPayloadSize     = 256 * 1024 * 1024 // 256 MiB
)

// ProxySettings configures the proxy used by the default HTTP transport.
type ProxySettings struct {
	// UseProxy routes downloads through the proxy below.
	UseProxy bool
	// DisableProxyForCloudFetch bypasses the proxy for result file downloads
	// even when UseProxy is set.
	DisableProxyForCloudFetch bool

	Scheme   string // http, https or socks5; default http
	Host     string
	Port     int
	Username string
	Password string
}

// Enabled reports whether downloads should go through the proxy.
func (p ProxySettings) Enabled() bool {
	return p.UseProxy && !p.DisableProxyForCloudFetch && p.Host != ""
}

// URL returns the proxy URL, or "" when the proxy is not enabled.
func (p ProxySettings) URL() string {
	if !p.Enabled() {
		return ""
	}
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: p.Host}
	if p.Port > 0 {
		u.Host = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u.String()
}

// Settings is the immutable configuration threaded into every Handle.
// Build it with NewSettings; the zero value is not usable.
type Settings struct {
	// Compressed means payloads are LZ4 frame compressed.
	Compressed bool

	// LinkExpiryBuffer is subtracted from a link's expiry before deciding
	// whether it is still usable.
	LinkExpiryBuffer time.Duration

	// DownloadTimeout bounds a single download attempt.
	DownloadTimeout time.Duration

	// MaxDownloadThreads is the steady-state download parallelism. The pool
	// gets one extra worker so a retry is never starved.
	MaxDownloadThreads int

	// MaxConsecutiveRetries is the number of times a timed out download is
	// resubmitted before the failure is reported. Reset on every success.
	MaxConsecutiveRetries int

	// RetryBackoff is how long a consumer should wait after a retryable failure.
	RetryBackoff time.Duration

	// MaxPayloadSize limits the decoded size of a single file.
	MaxPayloadSize int64

	// VerifyRowCount decodes each payload as an Arrow IPC stream and checks it
	// holds exactly the rows its link promised.
	VerifyRowCount bool

	Proxy ProxySettings

	Fetcher Fetcher
	Decoder Decoder
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Option configures Settings.
type Option func(*Settings)

// WithCompression marks payloads as LZ4 compressed.
func WithCompression(compressed bool) Option {
	return func(s *Settings) {
		s.Compressed = compressed
	}
}

// WithLinkExpiryBuffer sets the safety margin applied to link expiry times.
func WithLinkExpiryBuffer(d time.Duration) Option {
	return func(s *Settings) {
		s.LinkExpiryBuffer = d
	}
}

// WithDownloadTimeout sets the timeout of a single download attempt.
func WithDownloadTimeout(d time.Duration) Option {
	return func(s *Settings) {
		s.DownloadTimeout = d
	}
}

// WithMaxDownloadThreads sets the download parallelism.
func WithMaxDownloadThreads(n int) Option {
	return func(s *Settings) {
		s.MaxDownloadThreads = n
	}
}

// WithMaxConsecutiveRetries sets the timeout retry budget.
func WithMaxConsecutiveRetries(n int) Option {
	return func(s *Settings) {
		s.MaxConsecutiveRetries = n
	}
}

// WithRetryBackoff sets the wait between retry rounds.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Settings) {
		s.RetryBackoff = d
	}
}

// WithMaxPayloadSize limits the decoded size of a single file.
func WithMaxPayloadSize(n int64) Option {
	return func(s *Settings) {
		s.MaxPayloadSize = n
	}
}

// WithVerifyRowCount enables Arrow row count verification of each payload.
func WithVerifyRowCount(verify bool) Option {
	return func(s *Settings) {
		s.VerifyRowCount = verify
	}
}

// WithProxy sets the proxy used by the default HTTP transport.
func WithProxy(p ProxySettings) Option {
	return func(s *Settings) {
		s.Proxy = p
	}
}

// WithFetcher replaces the transport used to download links.
func WithFetcher(f Fetcher) Option {
	return func(s *Settings) {
		s.Fetcher = f
	}
}

// WithDecoder replaces the payload decoder.
func WithDecoder(d Decoder) Option {
	return func(s *Settings) {
		s.Decoder = d
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Settings) {
		s.Logger = l
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Settings) {
		s.Clock = now
	}
}

// NewSettings returns Settings with defaults applied, then options.
// A default HTTP fetcher and Arrow decoder are built from the final values
// unless supplied.
func NewSettings(options ...Option) (Settings, error) {
	s := Settings{
		DownloadTimeout:    DefaultDownloadTimeout,
		MaxDownloadThreads: DefaultMaxDownloadThreads,
		RetryBackoff:       DefaultRetryBackoff,
		MaxPayloadSize:     DefaultMaxPayloadSize,
	}
	for _, opt := range options {
		opt(&s)
	}

	if s.MaxDownloadThreads <= 0 {
		s.MaxDownloadThreads = DefaultMaxDownloadThreads
	}
	if s.DownloadTimeout <= 0 {
		s.DownloadTimeout = DefaultDownloadTimeout
	}
	if s.MaxConsecutiveRetries < 0 {
		s.MaxConsecutiveRetries = 0
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Decoder == nil {
		s.Decoder = ArrowDecoder{
			Compressed:     s.Compressed,
			VerifyRowCount: s.VerifyRowCount,
			MaxPayloadSize: s.MaxPayloadSize,
		}
	}
	if s.Fetcher == nil {
		f, err := NewHTTPFetcher(HTTPFetcherOptions{
			ProxyURL:       s.Proxy.URL(),
			MaxPayloadSize: s.MaxPayloadSize,
		})
		if err != nil {
			return Settings{}, err
		}
		s.Fetcher = f
	}

	return s, nil
}

// PoolSize is the number of pool workers: the download threads plus one
// slot of headroom for retries.
func (s Settings) PoolSize() int {
	return s.MaxDownloadThreads + 1
}
