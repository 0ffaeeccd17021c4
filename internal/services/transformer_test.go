package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/recordflow/internal/jsonl"
	"github.com/Lllllllleong/recordflow/internal/models"
	"github.com/Lllllllleong/recordflow/internal/retry"
	"github.com/Lllllllleong/recordflow/internal/store"
)

type recordingPublisher struct {
	mu        sync.Mutex
	failures  int
	manifests []*models.BatchManifest
}

func (p *recordingPublisher) Publish(_ context.Context, m *models.BatchManifest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return retry.Permanent(errors.New("broker unavailable"))
	}
	p.manifests = append(p.manifests, m)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []*models.BatchManifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.BatchManifest(nil), p.manifests...)
}

type transformFixture struct {
	t         *testing.T
	dir       string
	store     store.Store
	publisher *recordingPublisher
	f         *TransformerFunction
}

func newTransformFixture(t *testing.T) *transformFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := TransformerConfig{
		RawDir:           filepath.Join(dir, "raw_users"),
		ProcessedDir:     filepath.Join(dir, "processed_users"),
		DeadLetterDir:    filepath.Join(dir, "dlq"),
		CheckpointEvery:  2,
		LookAhead:        4,
		MaxBatchAttempts: 2,
	}
	enricher, err := NewEnricher(NewDepartmentTable(map[string]string{"Engineering": "ENG"}))
	require.NoError(t, err)

	st := newTestStore(t)
	pub := &recordingPublisher{}
	return &transformFixture{
		t:         t,
		dir:       dir,
		store:     st,
		publisher: pub,
		f:         NewTransformerWithDeps(cfg, enricher, st, NewEmitter(pub, fastPolicy())),
	}
}

func (x *transformFixture) writeRaw(name string, lines ...string) string {
	x.t.Helper()
	path := filepath.Join(x.dir, "raw_users", name)
	require.NoError(x.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(x.t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func (x *transformFixture) progress(batchID string) *models.TransformProgress {
	x.t.Helper()
	p, err := store.NewTransformProgresses(x.store).Get(context.Background(), batchID)
	require.NoError(x.t, err)
	require.NotNil(x.t, p)
	return p
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	var out []string
	for line, err := range jsonl.Lines(path) {
		require.NoError(t, err)
		out = append(out, string(line.Data))
	}
	return out
}

var fixedTime = time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)

var sampleBatch = []string{
	`{"id":1,"firstName":"Emily","email":"emily@x.dummyjson.com","age":28,"password":"p","company":{"department":"Engineering"}}`,
	`{"id":2,"firstName":"Michael","email":"michael@x.dummyjson.com","age":35,"company":{"department":"engineering"}}`,
	`{"id":3,"firstName":"Sophia"}`,
	`{not json`,
	``,
	`{"id":4,"firstName":"James","email":"james@x.dummyjson.com","age":45,"company":{"department":"Support"}}`,
}

func TestTransformerRoutesRecords(t *testing.T) {
	x := newTransformFixture(t)
	x.writeRaw("records_20250101_000000.jsonl", sampleBatch...)

	n, err := x.f.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	published := x.publisher.published()
	require.Len(t, published, 1)
	m := published[0]
	assert.Equal(t, "records_20250101_000000.jsonl", m.SourceBatchID)
	assert.Equal(t, 3, m.ValidRecords)
	assert.Equal(t, 2, m.InvalidRecords)
	assert.Equal(t, 5, m.TotalRecords)
	assert.Equal(t, filepath.Join(x.dir, "raw_users", ".done", "records_20250101_000000.jsonl"), m.RawFilePath)
	assert.FileExists(t, m.RawFilePath)
	assert.NoFileExists(t, filepath.Join(x.dir, "raw_users", "records_20250101_000000.jsonl"))

	var codes []string
	for _, line := range readLines(t, m.SuccessFilePath) {
		var u models.EnrichedUser
		require.NoError(t, json.Unmarshal([]byte(line), &u))
		assert.False(t, u.InsertionDate.IsZero())
		assert.NotContains(t, line, "password")
		codes = append(codes, u.DepartmentCode)
	}
	assert.Equal(t, []string{"ENG", UnknownDepartmentCode, UnknownDepartmentCode}, codes)

	dlq := readLines(t, m.DeadLetterFilePath)
	require.Len(t, dlq, 2)

	var invalid models.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(dlq[0]), &invalid))
	assert.JSONEq(t, sampleBatch[2], string(invalid.OriginalRecord))
	assert.Equal(t, []string{"email required", "age required", "company required"}, invalid.ErrorReasons)
	assert.False(t, invalid.ErrorTimestamp.IsZero())

	var malformed models.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(dlq[1]), &malformed))
	require.Len(t, malformed.ErrorReasons, 1)
	assert.True(t, strings.HasPrefix(malformed.ErrorReasons[0], "record could not be parsed: "))
	var original string
	require.NoError(t, json.Unmarshal(malformed.OriginalRecord, &original))
	assert.Equal(t, "{not json", original)

	p := x.progress(m.SourceBatchID)
	assert.True(t, p.Completed)
	assert.True(t, p.ManifestPublished)
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, len(sampleBatch), p.LinesProcessed)
}

func TestTransformerPublishesOncePerBatch(t *testing.T) {
	x := newTransformFixture(t)
	x.writeRaw("records_a.jsonl", sampleBatch...)

	_, err := x.f.ProcessPending(context.Background())
	require.NoError(t, err)
	n, err := x.f.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, x.publisher.published(), 1)
}

func TestTransformerSkipsPartialBatches(t *testing.T) {
	x := newTransformFixture(t)
	x.writeRaw("records_a.jsonl.part", sampleBatch...)

	n, err := x.f.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, x.publisher.published())
}

func TestTransformerRepublishesAfterPublishFailure(t *testing.T) {
	x := newTransformFixture(t)
	x.writeRaw("records_a.jsonl", sampleBatch...)
	x.publisher.failures = 2

	_, err := x.f.ProcessPending(context.Background())
	require.Error(t, err)
	assert.Empty(t, x.publisher.published())

	p := x.progress("records_a.jsonl")
	assert.True(t, p.Completed)
	assert.False(t, p.ManifestPublished)

	// A fresh process has no memory of what it published.
	enricher, err := NewEnricher(NewDepartmentTable(map[string]string{"Engineering": "ENG"}))
	require.NoError(t, err)
	restarted := NewTransformerWithDeps(x.f.config, enricher, x.store, NewEmitter(x.publisher, fastPolicy()))

	_, err = restarted.ProcessPending(context.Background())
	require.NoError(t, err)
	published := x.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, 5, published[0].TotalRecords)
	assert.True(t, x.progress("records_a.jsonl").ManifestPublished)
}

func TestTransformerResumesFromCheckpoint(t *testing.T) {
	x := newTransformFixture(t)
	raw := x.writeRaw("records_a.jsonl", sampleBatch...)

	// Simulate a crash after the first line was checkpointed and the second was
	// written but not checkpointed.
	kept := `{"id":1,"departmentCode":"ENG","marker":"kept"}`
	success := filepath.Join(x.dir, "processed_users", "etl_records_a_20250101_000000.jsonl")
	dead := filepath.Join(x.dir, "dlq", "invalid_records_a_20250101_000000.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(success), 0o755))
	require.NoError(t, os.WriteFile(success, []byte(kept+"\n"+`{"id":2,"torn`), 0o644))

	progress := store.NewTransformProgresses(x.store)
	require.NoError(t, progress.Save(context.Background(), &models.TransformProgress{
		BatchID:        "records_a.jsonl",
		RawFile:        raw,
		SuccessFile:    success,
		DeadLetterFile: dead,
		LinesProcessed: 1,
		SuccessBytes:   int64(len(kept) + 1),
		Attempts:       1,
	}))

	m, err := x.f.ProcessBatch(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, m)

	lines := readLines(t, success)
	require.Len(t, lines, 3)
	assert.Equal(t, kept, lines[0])
	assert.Contains(t, lines[1], `"id":2`)
	assert.Equal(t, 3, m.ValidRecords)
	assert.Equal(t, 2, m.InvalidRecords)
	assert.Equal(t, 2, x.progress("records_a.jsonl").Attempts)
}

func TestTransformerParksBatchAfterMaxAttempts(t *testing.T) {
	x := newTransformFixture(t)
	huge := `{"id":1,"firstName":"` + strings.Repeat("a", jsonl.MaxLineSize) + `"}`
	x.writeRaw("records_big.jsonl", sampleBatch[0], huge)

	_, err := x.f.ProcessPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, x.progress("records_big.jsonl").Attempts)
	assert.FileExists(t, filepath.Join(x.dir, "raw_users", "records_big.jsonl"))

	_, err = x.f.ProcessPending(context.Background())
	require.Error(t, err)
	p := x.progress("records_big.jsonl")
	assert.Equal(t, 2, p.Attempts)
	assert.NotEmpty(t, p.LastError)
	assert.Equal(t, filepath.Join(x.dir, "raw_users", ".error", "records_big.jsonl"), p.RawFile)
	assert.FileExists(t, p.RawFile)

	n, err := x.f.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, x.publisher.published())
}

func TestBuildManifestCountsFiles(t *testing.T) {
	dir := t.TempDir()
	success := filepath.Join(dir, "ok.jsonl")
	require.NoError(t, os.WriteFile(success, []byte("{}\n{}\n\n{}\n"), 0o644))

	m, err := BuildManifest(&models.TransformProgress{
		BatchID:        "records_a.jsonl",
		SuccessFile:    success,
		DeadLetterFile: filepath.Join(dir, "missing.jsonl"),
	}, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, 3, m.ValidRecords)
	assert.Equal(t, 0, m.InvalidRecords)
	assert.Equal(t, m.ValidRecords+m.InvalidRecords, m.TotalRecords)
	assert.Equal(t, fixedTime, m.ProcessedAt)
}

// flakyStore fails the first transform progress save that records a .done path.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) Put(ctx context.Context, collection, key string, value any) error {
	if p, ok := value.(*models.TransformProgress); ok && collection == store.CollectionTransforms {
		s.mu.Lock()
		fail := !s.failed && strings.Contains(p.RawFile, string(filepath.Separator)+doneDir+string(filepath.Separator))
		if fail {
			s.failed = true
		}
		s.mu.Unlock()
		if fail {
			return errors.New("store unavailable")
		}
	}
	return s.Store.Put(ctx, collection, key, value)
}

func TestTransformerRecoveryUsesDonePath(t *testing.T) {
	x := newTransformFixture(t)
	flaky := &flakyStore{Store: x.store}
	enricher, err := NewEnricher(NewDepartmentTable(map[string]string{"Engineering": "ENG"}))
	require.NoError(t, err)
	f := NewTransformerWithDeps(x.f.config, enricher, flaky, NewEmitter(x.publisher, fastPolicy()))
	x.writeRaw("records_1.jsonl", sampleBatch...)

	_, err = f.ProcessPending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")

	published := x.publisher.published()
	require.Len(t, published, 1)
	donePath := filepath.Join(x.dir, "raw_users", ".done", "records_1.jsonl")
	assert.Equal(t, donePath, published[0].RawFilePath)
	assert.FileExists(t, published[0].RawFilePath)

	p := x.progress("records_1.jsonl")
	assert.True(t, p.ManifestPublished)
	assert.Equal(t, donePath, p.RawFile)

	_, err = f.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, x.publisher.published(), 1)
}

func TestTransformerDeadLetterKeepsOriginalBytes(t *testing.T) {
	x := newTransformFixture(t)
	original := `{ "id": 7,  "firstName": "<Sophia & co>" }`
	x.writeRaw("records_a.jsonl", original)

	_, err := x.f.ProcessPending(context.Background())
	require.NoError(t, err)
	published := x.publisher.published()
	require.Len(t, published, 1)

	dlq := readLines(t, published[0].DeadLetterFilePath)
	require.Len(t, dlq, 1)
	assert.True(t, strings.HasPrefix(dlq[0], `{"originalRecord":`+original+`,"errorReasons":[`), dlq[0])

	var entry models.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(dlq[0]), &entry))
	assert.Equal(t, original, string(entry.OriginalRecord))
	assert.False(t, entry.ErrorTimestamp.IsZero())
}
