package flagcheck

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-flagcheck/pkg/lookup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	// DefaultThreadCount is the number of dispatcher workers.
	DefaultThreadCount = 3
	// DefaultCacheTTL is how long a verdict is served before it is refreshed.
	DefaultCacheTTL = 5 * time.Minute
)

// Config is the serialisable part of a client's configuration. It can be
// loaded from YAML and passed to NewFromConfig; options applied afterwards
// override its fields.
type Config struct {
	ThreadCount    int           `yaml:"thread_count"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	NoCache        bool          `yaml:"no_cache"`
	APIKey         string        `yaml:"api_key"`
	UserAgent      string        `yaml:"user_agent"`
	Testing        bool          `yaml:"testing"`
	BaseURL        string        `yaml:"base_url"`
	Protocol       string        `yaml:"protocol"`
	Transport      string        `yaml:"transport"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig() Config {
	return Config{
		ThreadCount:    DefaultThreadCount,
		CacheTTL:       DefaultCacheTTL,
		UserAgent:      lookup.DefaultUserAgent,
		BaseURL:        lookup.DefaultBaseURL,
		Protocol:       lookup.ProtocolV2.String(),
		Transport:      lookup.TransportPooled.String(),
		RequestTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration without building anything.
func (c Config) Validate() error {
	if c.ThreadCount < 1 {
		return fmt.Errorf("thread count must be at least 1, got %d", c.ThreadCount)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl cannot be negative")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout cannot be negative")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base url cannot be empty")
	}
	if _, err := lookup.ParseProtocol(c.Protocol); err != nil {
		return err
	}
	if _, err := lookup.ParseTransport(c.Transport); err != nil {
		return err
	}
	return nil
}

// cacheEnabled reports whether verdicts are kept between lookups.
func (c Config) cacheEnabled() bool {
	return !c.NoCache && c.CacheTTL > 0
}

type options struct {
	cfg         Config
	httpClient  *http.Client
	nameFetcher lookup.Fetcher[string]
	idFetcher   lookup.Fetcher[uuid.UUID]
	logger      zerolog.Logger
	registerer  prometheus.Registerer
}

// Option is a function that sets a value in a client configuration.
type Option func(*options) error

// getOpts applies Options over cfg.
func getOpts(cfg Config, opts []Option) (options, error) {
	o := options{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for i, opt := range opts {
		if err := opt(&o); err != nil {
			return options{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return options{}, err
	}
	return o, nil
}

// WithThreadCount sets the number of dispatcher workers, at least 1.
//
// Default is 3.
func WithThreadCount(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("thread count must be at least 1, got %d", n)
		}
		o.cfg.ThreadCount = n
		return nil
	}
}

// WithCacheTTL sets how long a verdict is served before it is refreshed.
// A TTL of 0 disables caching.
//
// Default is 5 minutes.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl < 0 {
			return fmt.Errorf("cache ttl cannot be negative")
		}
		o.cfg.CacheTTL = ttl
		return nil
	}
}

// WithNoCache disables caching: every check goes to the authority.
func WithNoCache() Option {
	return func(o *options) error {
		o.cfg.NoCache = true
		return nil
	}
}

// WithAPIKey sets the credential attached to every request.
func WithAPIKey(key string) Option {
	return func(o *options) error {
		o.cfg.APIKey = key
		return nil
	}
}

// WithUserAgent sets the identification string sent to the authority.
func WithUserAgent(ua string) Option {
	return func(o *options) error {
		if ua == "" {
			return fmt.Errorf("user agent cannot be empty")
		}
		o.cfg.UserAgent = ua
		return nil
	}
}

// WithTesting marks requests as coming from a test deployment.
func WithTesting(testing bool) Option {
	return func(o *options) error {
		o.cfg.Testing = testing
		return nil
	}
}

// WithBaseURL sets the authority's API root.
func WithBaseURL(u string) Option {
	return func(o *options) error {
		o.cfg.BaseURL = u
		return nil
	}
}

// WithProtocol selects the request shape.
func WithProtocol(p lookup.Protocol) Option {
	return func(o *options) error {
		o.cfg.Protocol = p.String()
		return nil
	}
}

// WithTransport selects a pooled or direct HTTP transport.
func WithTransport(t lookup.Transport) Option {
	return func(o *options) error {
		o.cfg.Transport = t.String()
		return nil
	}
}

// WithHTTPClient injects the HTTP client, overriding the transport choice.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) error {
		o.httpClient = c
		return nil
	}
}

// WithRequestTimeout bounds every request. 0 means no timeout.
//
// Default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("request timeout cannot be negative")
		}
		o.cfg.RequestTimeout = d
		return nil
	}
}

// WithNameFetcher replaces the HTTP fetcher for names.
func WithNameFetcher(f lookup.Fetcher[string]) Option {
	return func(o *options) error {
		o.nameFetcher = f
		return nil
	}
}

// WithIDFetcher replaces the HTTP fetcher for identifiers.
func WithIDFetcher(f lookup.Fetcher[uuid.UUID]) Option {
	return func(o *options) error {
		o.idFetcher = f
		return nil
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

// WithRegisterer registers the client's cache and dispatcher metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) error {
		o.registerer = reg
		return nil
	}
}

// fetcherOptions translates the configuration into lookup options.
func (o options) fetcherOptions() []lookup.Option {
	protocol, _ := lookup.ParseProtocol(o.cfg.Protocol)
	transport, _ := lookup.ParseTransport(o.cfg.Transport)
	fo := []lookup.Option{
		lookup.WithBaseURL(o.cfg.BaseURL),
		lookup.WithProtocol(protocol),
		lookup.WithTransport(transport),
		lookup.WithUserAgent(o.cfg.UserAgent),
		lookup.WithAPIKey(o.cfg.APIKey),
		lookup.WithTesting(o.cfg.Testing),
		lookup.WithTimeout(o.cfg.RequestTimeout),
		lookup.WithLogger(o.logger),
	}
	if o.httpClient != nil {
		fo = append(fo, lookup.WithHTTPClient(o.httpClient))
	}
	return fo
}
