package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/recordflow/internal/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "recordflow.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fileStore.Close()
		_ = sqliteStore.Close()
	})
	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var got models.DeliveryReceipt
			err := s.Get(ctx, CollectionReceipts, "processed_users/a.jsonl", &got)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.Exists(ctx, CollectionReceipts, "processed_users/a.jsonl")
			require.NoError(t, err)
			assert.False(t, ok)

			want := models.DeliveryReceipt{FilePath: "processed_users/a.jsonl", Size: 10, Checksum: "abc"}
			require.NoError(t, s.Put(ctx, CollectionReceipts, want.FilePath, &want))

			ok, err = s.Exists(ctx, CollectionReceipts, want.FilePath)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Get(ctx, CollectionReceipts, want.FilePath, &got))
			assert.Equal(t, want.Checksum, got.Checksum)

			want.Size = 20
			require.NoError(t, s.Put(ctx, CollectionReceipts, want.FilePath, &want))
			require.NoError(t, s.Get(ctx, CollectionReceipts, want.FilePath, &got))
			assert.Equal(t, int64(20), got.Size)

			ok, err = s.Exists(ctx, CollectionFiles, want.FilePath)
			require.NoError(t, err)
			assert.False(t, ok, "collections are independent")

			require.NoError(t, s.Delete(ctx, CollectionReceipts, want.FilePath))
			require.NoError(t, s.Delete(ctx, CollectionReceipts, want.FilePath))
			ok, err = s.Exists(ctx, CollectionReceipts, want.FilePath)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rc := models.DeliveryReceipt{FilePath: filepath.Join("dlq", string(rune('a'+i))), Size: int64(i)}
					assert.NoError(t, s.Put(ctx, CollectionReceipts, rc.FilePath, &rc))
				}()
			}
			wg.Wait()

			for i := range 20 {
				ok, err := s.Exists(ctx, CollectionReceipts, filepath.Join("dlq", string(rune('a'+i))))
				require.NoError(t, err)
				assert.True(t, ok)
			}
		})
	}
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			cp := NewCheckpoints(s, "")

			st, err := cp.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, st)

			now := time.Now().UTC().Truncate(time.Millisecond)
			want := models.NewExtractionState("run-1", "raw_users/records.jsonl.part", 250, 100, now)
			want.RecordPage(0, 100, 512, now)
			require.NoError(t, cp.Save(ctx, want))

			st, err = cp.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, st)
			assert.Equal(t, want.RunID, st.RunID)
			assert.Equal(t, 100, st.RecordsProcessed)
			assert.Equal(t, int64(512), st.BatchBytes)
			assert.True(t, st.IsActive())

			require.NoError(t, cp.Clear(ctx))
			st, err = cp.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, st)
		})
	}
}

func TestFileMetadataKeepsDeliveredFlag(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			repo := NewFileMetadataRepo(s)
			path := "processed_users/etl_records_1.jsonl"
			now := time.Now().UTC()

			require.NoError(t, repo.Upsert(ctx, path, 5, "records_1.jsonl", now))
			row, err := repo.Get(ctx, path)
			require.NoError(t, err)
			assert.Equal(t, "etl_records_1.jsonl", row.Filename)
			assert.False(t, row.Delivered)

			require.NoError(t, repo.MarkDelivered(ctx, path, now))
			require.NoError(t, repo.Upsert(ctx, path, 5, "records_1.jsonl", now))

			row, err = repo.Get(ctx, path)
			require.NoError(t, err)
			assert.True(t, row.Delivered)
			require.NotNil(t, row.DeliveredAt)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "cassandra"})
	assert.Error(t, err)
}
