package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/recordflow/internal/gcp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore maps each collection to a Firestore collection and each key to a
// document. Values are written with their firestore struct tags.
type FirestoreStore struct {
	client *firestore.Client
	prefix string
}

func NewFirestoreStore(ctx context.Context, projectID, prefix string) (*FirestoreStore, error) {
	client, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "recordflow_"
	}
	return &FirestoreStore{client: client, prefix: prefix}, nil
}

// docID hashes the key since file paths contain slashes, which Firestore reads as
// path separators.
func docID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *FirestoreStore) doc(collection, key string) *firestore.DocumentRef {
	return s.client.Collection(s.prefix + collection).Doc(docID(key))
}

func (s *FirestoreStore) Get(ctx context.Context, collection, key string, dst any) error {
	snap, err := s.doc(collection, key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", collection, key, err)
	}
	if err := snap.DataTo(dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *FirestoreStore) Put(ctx context.Context, collection, key string, value any) error {
	if _, err := s.doc(collection, key).Set(ctx, value); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *FirestoreStore) Exists(ctx context.Context, collection, key string) (bool, error) {
	snap, err := s.doc(collection, key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check %s/%s: %w", collection, key, err)
	}
	return snap.Exists(), nil
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, key string) error {
	if _, err := s.doc(collection, key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *FirestoreStore) Close() error { return s.client.Close() }
