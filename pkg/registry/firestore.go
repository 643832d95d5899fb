package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore registry.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection_name"`
}

// flagDocument is the stored shape of one flag.
type flagDocument struct {
	Space     string    `firestore:"space"`
	Key       string    `firestore:"key"`
	FlaggedAt time.Time `firestore:"flaggedAt"`
}

// FirestoreRegistry is a Registry backed by a Firestore collection, one
// document per flag with id "<space>:<key>".
// It suits low volume deployments; use Redis for high volume.
type FirestoreRegistry struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreRegistry creates a new FirestoreRegistry. The client's lifecycle
// is managed by the caller.
func NewFirestoreRegistry(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreRegistry, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name cannot be empty")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreRegistry initialized.")

	return &FirestoreRegistry{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreRegistry").Logger(),
	}, nil
}

// IsFlagged reports whether the flag document exists.
func (r *FirestoreRegistry) IsFlagged(ctx context.Context, space, key string) (bool, error) {
	docSnap, err := r.doc(space, key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		r.logger.Error().Err(err).Str("space", space).Str("key", key).Msg("Failed to get document from Firestore.")
		return false, fmt.Errorf("firestore get for %s: %w", key, err)
	}
	return docSnap.Exists(), nil
}

// Flag creates or overwrites the flag document.
func (r *FirestoreRegistry) Flag(ctx context.Context, space, key string) error {
	_, err := r.doc(space, key).Set(ctx, flagDocument{Space: space, Key: key, FlaggedAt: time.Now().UTC()})
	if err != nil {
		r.logger.Error().Err(err).Str("space", space).Str("key", key).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	r.logger.Debug().Str("space", space).Str("key", key).Msg("Flag stored.")
	return nil
}

// Unflag deletes the flag document.
func (r *FirestoreRegistry) Unflag(ctx context.Context, space, key string) error {
	_, err := r.doc(space, key).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete failed for key %s: %w", key, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (r *FirestoreRegistry) Close() error {
	return nil
}

func (r *FirestoreRegistry) doc(space, key string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(DocumentID(space, key))
}

// DocumentID returns the document id of a flag. Firestore ids cannot contain
// '/', so it is replaced with '_'.
func DocumentID(space, key string) string {
	return space + ":" + strings.ReplaceAll(key, "/", "_")
}
