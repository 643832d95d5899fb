package lookup

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrClientClosed is returned by every lookup attempted after the client (or
// one of its caches) has been shut down.
var ErrClientClosed = errors.New("lookup client closed")

// Kind is the classification of a lookup failure.
type Kind int

const (
	// KindUnknown is any error that did not come from this package.
	KindUnknown Kind = iota
	// KindTransport covers DNS, connect, timeout and I/O failures.
	KindTransport
	// KindRemote is an explicit rejection by the authority.
	KindRemote
	// KindDecode is a success answer whose body did not have the expected shape.
	KindDecode
	// KindClosed is a lookup against a shut down client.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRemote:
		return "remote"
	case KindDecode:
		return "decode"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportError is a failure to complete the round-trip at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is a non-success answer from the authority. Message is only
// meaningful when HasMessage is true, i.e. the error payload was decodable.
type RemoteError struct {
	Status     int
	Message    string
	HasMessage bool
}

func (e *RemoteError) Error() string {
	return "authority rejected lookup: " + e.Text()
}

// Text renders the status and, when present, the decoded message.
func (e *RemoteError) Text() string {
	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("%d", e.Status))
	if text := http.StatusText(e.Status); text != "" {
		parts = append(parts, " ", text)
	}
	if e.HasMessage {
		parts = append(parts, ": ", e.Message)
	}
	return strings.Join(parts, "")
}

// DecodeError is a success status whose body could not be decoded into a
// verdict. Snippet holds the start of the offending body.
type DecodeError struct {
	Snippet string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode verdict %q: %v", e.Snippet, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrClientClosed) {
		return KindClosed
	}
	var te *TransportError
	if errors.As(err, &te) {
		return KindTransport
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return KindRemote
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return KindDecode
	}
	return KindUnknown
}

// Retryable reports whether re-issuing the lookup may succeed. Only
// transport failures qualify; nothing in this module retries on its own.
func Retryable(err error) bool {
	return KindOf(err) == KindTransport
}

func snippet(body []byte) string {
	const limit = 64
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
