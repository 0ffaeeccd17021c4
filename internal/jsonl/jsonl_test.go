package jsonl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.jsonl")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(rec{ID: 1, Name: "a"}))
	require.NoError(t, w.AppendRaw([]byte(`{"id":2}`+"\n")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"id\":1,\"name\":\"a\"}\n{\"id\":2}\n", string(data))
	assert.Equal(t, int64(len(data)), w.Size())
}

func TestWriterRejectsEmbeddedNewline(t *testing.T) {
	w, err := OpenWriter(filepath.Join(t.TempDir(), "out.jsonl"))
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.AppendRaw([]byte("{\"a\":1}\n{\"b\":2}")))
	assert.Equal(t, int64(0), w.Size())
}

func TestOpenWriterAtTruncatesPastCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := OpenWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(rec{ID: 1}))
	checkpoint := w.Size()
	require.NoError(t, w.Append(rec{ID: 2}))
	require.NoError(t, w.Close())

	w, err = OpenWriterAt(path, checkpoint)
	require.NoError(t, err)
	require.NoError(t, w.Append(rec{ID: 3}))
	require.NoError(t, w.Close())

	var ids []string
	for line, err := range Lines(path) {
		require.NoError(t, err)
		ids = append(ids, string(line.Data))
	}
	assert.Equal(t, []string{`{"id":1,"name":""}`, `{"id":3,"name":""}`}, ids)
}

func TestOpenWriterAtRejectsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	_, err := OpenWriterAt(path, 100)
	assert.Error(t, err)

	_, err = OpenWriterAt(filepath.Join(t.TempDir(), "missing.jsonl"), 10)
	assert.Error(t, err)
}

func TestLinesKeepsPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("a\n\nc\n"), 0o644))

	var got []Line
	for line, err := range Lines(path) {
		require.NoError(t, err)
		got = append(got, Line{Number: line.Number, Data: append([]byte(nil), line.Data...)})
	}
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[2].Number)
	assert.Equal(t, "c", string(got[2].Data))
	assert.Empty(t, got[1].Data)
}

func TestCountRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n\n  \n{}\n{}"), 0o644))

	n, err := CountRecords(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = CountRecords(filepath.Join(dir, "missing.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
