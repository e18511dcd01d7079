// Package testutil builds archives and in-memory collaborators for tests.
package testutil

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/meigma/apkpack/storage"
)

// File describes one archive member to build.
type File struct {
	Name    string
	Content []byte

	// Method is zip.Store or zip.Deflate.
	Method uint16

	// Extra is written to both the local and central extra fields.
	Extra []byte

	Modified time.Time
}

// Stored returns a stored file.
func Stored(name string, content []byte) File {
	return File{Name: name, Content: content, Method: zip.Store}
}

// Deflated returns a deflated file.
func Deflated(name string, content []byte) File {
	return File{Name: name, Content: content, Method: zip.Deflate}
}

// Create builds an archive with a conventional streaming writer. Every
// non-directory entry carries a data descriptor.
func Create(tb testing.TB, files ...File) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.Name,
			Method:   f.Method,
			Extra:    f.Extra,
			Modified: f.Modified,
		})
		if err != nil {
			tb.Fatalf("create %s: %v", f.Name, err)
		}
		if _, err := w.Write(f.Content); err != nil {
			tb.Fatalf("write %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

// CreateRaw builds an archive whose local headers carry sizes and CRCs up
// front, with no data descriptors, the way packaging tools write APKs.
func CreateRaw(tb testing.TB, files ...File) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		data := f.Content
		if f.Method == zip.Deflate {
			data = deflate(tb, f.Content)
		}
		fh := &zip.FileHeader{
			Name:               f.Name,
			Method:             f.Method,
			Extra:              f.Extra,
			Modified:           f.Modified,
			CRC32:              crc32.ChecksumIEEE(f.Content),
			CompressedSize64:   uint64(len(data)),
			UncompressedSize64: uint64(len(f.Content)),
		}
		w, err := zw.CreateRaw(fh)
		if err != nil {
			tb.Fatalf("create %s: %v", f.Name, err)
		}
		if _, err := w.Write(data); err != nil {
			tb.Fatalf("write %s: %v", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

// ReadAll opens data with an independent reader and returns content by name.
func ReadAll(tb testing.TB, data []byte) map[string][]byte {
	tb.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		tb.Fatalf("open archive: %v", err)
	}
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			tb.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			tb.Fatalf("read %s: %v", f.Name, err)
		}
		out[f.Name] = b
	}
	return out
}

// Content returns n deterministic bytes seeded by seed.
func Content(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%31)
	}
	return b
}

func deflate(tb testing.TB, content []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		tb.Fatalf("deflate: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		tb.Fatalf("deflate: %v", err)
	}
	if err := fw.Close(); err != nil {
		tb.Fatalf("deflate: %v", err)
	}
	return buf.Bytes()
}

// MemoryStore is a concurrency-safe in-memory storage.Source and
// storage.Sink.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Fetch implements storage.Source.
func (m *MemoryStore) Fetch(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(b), nil
}

// Store implements storage.Sink.
func (m *MemoryStore) Store(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = bytes.Clone(data)
	return nil
}

// Get returns the stored bytes for key.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[key]
	return b, ok
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
