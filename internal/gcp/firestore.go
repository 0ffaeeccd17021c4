package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/recordflow/internal/config"
)

// NewFirestoreClient creates a Firestore client for the given project. The database
// defaults to "(default)" and can be overridden with FIRESTORE_DATABASE.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	databaseID := config.GetEnv("FIRESTORE_DATABASE", firestore.DefaultDatabaseID)
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}
