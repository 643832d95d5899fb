// Package lookup contains the remote side of a flag lookup: the two key
// spaces a lookup key can belong to, the Fetcher contract, the HTTP fetcher
// that talks to the authority, and the classified failures a fetch can end
// with.
package lookup

import (
	"context"

	"github.com/google/uuid"
)

// KeySpace describes how keys of type K are put on the wire.
type KeySpace[K any] interface {
	// Name is the wire label of the key space. It is used as the JSON field
	// of a v1 request body and as the path segment of a v2 request.
	Name() string
	// Encode renders a key in the form the authority expects.
	Encode(key K) string
}

// Fetcher performs exactly one remote round-trip for a key and returns the
// verdict. Failures are always one of TransportError, RemoteError or
// DecodeError.
type Fetcher[K any] interface {
	Fetch(ctx context.Context, key K) (bool, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc[K any] func(ctx context.Context, key K) (bool, error)

// Fetch calls f.
func (f FetcherFunc[K]) Fetch(ctx context.Context, key K) (bool, error) {
	return f(ctx, key)
}

// NameSpace is the key space of free-form account names. Names are sent
// exactly as supplied; case is never normalised.
type NameSpace struct{}

func (NameSpace) Name() string { return "name" }

func (NameSpace) Encode(key string) string { return key }

// IdentifierSpace is the key space of canonical 128-bit account identifiers.
type IdentifierSpace struct{}

func (IdentifierSpace) Name() string { return "uuid" }

// Encode returns the canonical hyphenated lower-case form.
func (IdentifierSpace) Encode(key uuid.UUID) string { return key.String() }

var (
	// Names is the shared NameSpace value.
	Names NameSpace
	// Identifiers is the shared IdentifierSpace value.
	Identifiers IdentifierSpace
)

var (
	_ KeySpace[string]    = Names
	_ KeySpace[uuid.UUID] = Identifiers
)
