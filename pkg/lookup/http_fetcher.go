package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
)

const (
	v1Path = "v1/ismcleaks"
	v2Path = "v2"

	// APIKeyHeader carries the credential on v2 requests.
	APIKeyHeader = "API-Key"

	maxBodySize = 1 << 20
)

// VerdictResponse is the success body returned by the authority.
type VerdictResponse struct {
	IsMcleaks *bool `json:"isMcleaks"`
}

// ErrorResponse is the failure body returned by the authority.
type ErrorResponse struct {
	Error *string `json:"error"`
}

// HTTPFetcher looks up keys of one key space against the authority's HTTP
// API. It is safe for concurrent use.
type HTTPFetcher[K any] struct {
	space     KeySpace[K]
	c         *http.Client
	baseURL   *url.URL
	protocol  Protocol
	userAgent string
	apiKey    string
	logger    zerolog.Logger
}

// HTTPFetcher must implement Fetcher.
var _ Fetcher[string] = (*HTTPFetcher[string])(nil)

// NewHTTPFetcher creates a fetcher for the given key space.
func NewHTTPFetcher[K any](space KeySpace[K], options ...Option) (*HTTPFetcher[K], error) {
	if space == nil {
		return nil, errors.New("key space cannot be nil")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(opts.baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", opts.baseURL)
	}

	ua := opts.userAgent
	if opts.testing {
		ua += TestingSuffix
	}

	return &HTTPFetcher[K]{
		space:     space,
		c:         newHTTPClient(opts),
		baseURL:   u,
		protocol:  opts.protocol,
		userAgent: ua,
		apiKey:    opts.apiKey,
		logger: opts.logger.With().
			Str("component", "HTTPFetcher").
			Str("keyspace", space.Name()).
			Logger(),
	}, nil
}

// NewNameFetcher creates a fetcher for the name key space.
func NewNameFetcher(options ...Option) (*HTTPFetcher[string], error) {
	return NewHTTPFetcher[string](Names, options...)
}

// NewIdentifierFetcher creates a fetcher for the identifier key space.
func NewIdentifierFetcher(options ...Option) (*HTTPFetcher[uuid.UUID], error) {
	return NewHTTPFetcher[uuid.UUID](Identifiers, options...)
}

func newHTTPClient(opts config) *http.Client {
	if opts.httpClient != nil {
		return opts.httpClient
	}
	var c *http.Client
	switch opts.transport {
	case TransportDirect:
		c = cleanhttp.DefaultClient()
	default:
		c = cleanhttp.DefaultPooledClient()
	}
	c.Timeout = opts.timeout
	return c
}

// UserAgent returns the identification string sent with every request.
func (f *HTTPFetcher[K]) UserAgent() string {
	return f.userAgent
}

// Fetch performs one round-trip for key.
func (f *HTTPFetcher[K]) Fetch(ctx context.Context, key K) (bool, error) {
	encoded := f.space.Encode(key)

	req, err := f.newRequest(ctx, encoded)
	if err != nil {
		return false, &TransportError{Op: "build request", Err: err}
	}

	resp, err := f.c.Do(req)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", encoded).Msg("Lookup request failed.")
		return false, &TransportError{Op: "lookup " + f.space.Name(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return false, &TransportError{Op: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		rerr := remoteErrorFromResponse(resp.StatusCode, body)
		f.logger.Debug().Int("status", resp.StatusCode).Str("key", encoded).Msg("Authority rejected lookup.")
		return false, rerr
	}

	var vr VerdictResponse
	if err = json.Unmarshal(body, &vr); err != nil {
		f.logger.Error().Err(err).Str("key", encoded).Msg("Malformed verdict body.")
		return false, &DecodeError{Snippet: snippet(body), Err: err}
	}
	if vr.IsMcleaks == nil {
		err = errors.New("missing isMcleaks field")
		f.logger.Error().Err(err).Str("key", encoded).Msg("Malformed verdict body.")
		return false, &DecodeError{Snippet: snippet(body), Err: err}
	}
	return *vr.IsMcleaks, nil
}

func (f *HTTPFetcher[K]) newRequest(ctx context.Context, encoded string) (*http.Request, error) {
	var req *http.Request
	var err error
	switch f.protocol {
	case ProtocolV1:
		payload := map[string]string{f.space.Name(): encoded}
		if f.apiKey != "" {
			payload["apiKey"] = f.apiKey
		}
		data, merr := json.Marshal(payload)
		if merr != nil {
			return nil, merr
		}
		u := f.baseURL.JoinPath(v1Path)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
	default:
		// The key is escaped by hand so a slash in a name stays one segment.
		target := f.baseURL.JoinPath(v2Path, f.space.Name()).String() + "/" + url.PathEscape(encoded)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if f.apiKey != "" {
			req.Header.Set(APIKeyHeader, f.apiKey)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	return req, nil
}

// remoteErrorFromResponse builds a RemoteError, keeping the message only when
// the body is a decodable error payload.
func remoteErrorFromResponse(status int, body []byte) *RemoteError {
	rerr := &RemoteError{Status: status}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil {
		rerr.Message = *er.Error
		rerr.HasMessage = true
	}
	return rerr
}
