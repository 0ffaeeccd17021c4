// Package jsonl reads and appends newline-delimited JSON files.
//
// Writers never leave a partial record behind a successful Append: each record is
// encoded into a buffer first and written with a single call, and a writer opened
// with a checkpoint size truncates anything written after that checkpoint.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

// MaxLineSize bounds a single record when reading.
const MaxLineSize = 4 * 1024 * 1024

// Writer appends records to one file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	size int64
}

// OpenWriter opens path for appending, creating parent directories as needed.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &Writer{f: f, path: path, size: info.Size()}, nil
}

// OpenWriterAt opens path for appending after discarding everything past size.
// It is used to resume from a checkpoint that recorded the file size.
func OpenWriterAt(path string, size int64) (*Writer, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if size > 0 {
			return nil, fmt.Errorf("checkpoint expects %d bytes in %s but the file is missing", size, path)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	case info.Size() < size:
		return nil, fmt.Errorf("checkpoint expects %d bytes in %s but only %d exist", size, path, info.Size())
	case info.Size() > size:
		if err := os.Truncate(path, size); err != nil {
			return nil, fmt.Errorf("failed to truncate %s to checkpoint: %w", path, err)
		}
	}
	return OpenWriter(path)
}

// Append encodes v as one line.
func (w *Writer) Append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return w.AppendRaw(b)
}

// AppendRaw writes an already encoded record. Embedded newlines are rejected since
// they would split the record across lines.
func (w *Writer) AppendRaw(line []byte) error {
	line = bytes.TrimRight(line, "\r\n")
	if bytes.ContainsAny(line, "\r\n") {
		return fmt.Errorf("record contains a line break")
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.f.Write(buf)
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", w.path, err)
	}
	return nil
}

// Size is the file size after the last append.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync flushes the file to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", w.path, err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Line is one line of a file with its 1-based position.
type Line struct {
	Number int
	Data   []byte
}

// Lines yields every line of path in order, including empty ones, so callers can
// keep positions stable across restarts. Data is only valid until the next
// iteration.
func Lines(path string) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Line{}, fmt.Errorf("failed to open %s: %w", path, err))
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
		n := 0
		for scanner.Scan() {
			n++
			if !yield(Line{Number: n, Data: scanner.Bytes()}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Line{}, fmt.Errorf("failed to read %s after line %d: %w", path, n, err))
		}
	}
}

// CountRecords counts non-blank lines. A missing file holds zero records.
func CountRecords(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	count := 0
	for line, err := range Lines(path) {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return 0, nil
			}
			return 0, err
		}
		if len(bytes.TrimSpace(line.Data)) > 0 {
			count++
		}
	}
	return count, nil
}
