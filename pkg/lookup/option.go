package lookup

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the public authority endpoint.
	DefaultBaseURL = "http://themrgong.xyz:6970/api"
	// DefaultUserAgent identifies this client to the authority.
	DefaultUserAgent = "go-flagcheck/1.0"
	// TestingSuffix is appended to the user agent when testing is enabled.
	TestingSuffix = " (testing)"

	defaultTimeout = 30 * time.Second
)

// Protocol selects how a key is carried in the request.
type Protocol int

const (
	// ProtocolV2 sends a GET with the key as a path segment.
	ProtocolV2 Protocol = iota
	// ProtocolV1 POSTs the key in a JSON body.
	ProtocolV1
)

func (p Protocol) String() string {
	if p == ProtocolV1 {
		return "v1"
	}
	return "v2"
}

// Transport selects the HTTP client used when none is injected.
type Transport int

const (
	// TransportPooled reuses keep-alive connections across lookups.
	TransportPooled Transport = iota
	// TransportDirect opens a fresh connection per lookup.
	TransportDirect
)

func (t Transport) String() string {
	if t == TransportDirect {
		return "direct"
	}
	return "pooled"
}

// ParseProtocol parses "v1" or "v2". The empty string selects v2.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "", "v2":
		return ProtocolV2, nil
	case "v1":
		return ProtocolV1, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// ParseTransport parses "pooled" or "direct". The empty string selects pooled.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "", "pooled":
		return TransportPooled, nil
	case "direct":
		return TransportDirect, nil
	}
	return 0, fmt.Errorf("unknown transport %q", s)
}

type config struct {
	httpClient *http.Client
	transport  Transport
	baseURL    string
	protocol   Protocol
	userAgent  string
	apiKey     string
	testing    bool
	timeout    time.Duration
	logger     zerolog.Logger
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		baseURL:   DefaultBaseURL,
		protocol:  ProtocolV2,
		userAgent: DefaultUserAgent,
		timeout:   defaultTimeout,
		logger:    zerolog.Nop(),
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithHTTPClient uses c for every request instead of a client built from the
// selected Transport. The client's own Timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithTransport selects the pooled or direct transport.
//
// Default is TransportPooled.
func WithTransport(t Transport) Option {
	return func(cfg *config) error {
		switch t {
		case TransportPooled, TransportDirect:
			cfg.transport = t
			return nil
		}
		return fmt.Errorf("unknown transport %d", t)
	}
}

// WithBaseURL sets the authority base URL. Versioned paths are joined onto it.
func WithBaseURL(u string) Option {
	return func(cfg *config) error {
		if u == "" {
			return fmt.Errorf("base url cannot be empty")
		}
		cfg.baseURL = u
		return nil
	}
}

// WithProtocol selects the wire protocol version.
//
// Default is ProtocolV2.
func WithProtocol(p Protocol) Option {
	return func(cfg *config) error {
		switch p {
		case ProtocolV1, ProtocolV2:
			cfg.protocol = p
			return nil
		}
		return fmt.Errorf("unknown protocol %d", p)
	}
}

// WithUserAgent sets the identification string sent with every request.
func WithUserAgent(ua string) Option {
	return func(cfg *config) error {
		if ua != "" {
			cfg.userAgent = ua
		}
		return nil
	}
}

// WithAPIKey attaches a static credential to every request.
func WithAPIKey(key string) Option {
	return func(cfg *config) error {
		cfg.apiKey = key
		return nil
	}
}

// WithTesting marks requests as coming from a test deployment.
func WithTesting(testing bool) Option {
	return func(cfg *config) error {
		cfg.testing = testing
		return nil
	}
}

// WithTimeout bounds a whole round-trip when the client is built from a
// Transport. Zero means no timeout.
//
// Default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		cfg.timeout = d
		return nil
	}
}

// WithLogger sets the logger used for failed lookups.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = logger
		return nil
	}
}
