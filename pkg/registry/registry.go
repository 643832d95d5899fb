// Package registry stores which accounts the reference authority reports as
// flagged. Keys are already encoded for their key space (see lookup.KeySpace).
package registry

import (
	"context"
	"io"
)

// Registry is the authority's source of truth for flagged accounts.
// Implementations must be safe for concurrent use.
type Registry interface {
	// IsFlagged reports whether key is flagged in space. An unknown key is
	// not an error.
	IsFlagged(ctx context.Context, space, key string) (bool, error)
	// Flag marks key as flagged in space.
	Flag(ctx context.Context, space, key string) error
	// Unflag removes the flag. Unflagging an unknown key is not an error.
	Unflag(ctx context.Context, space, key string) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
