// Package catalog stores the metadata the relay needs to serve a file: its
// size, name, type and the encoded locator of its bytes.
package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"sync"
)

var (
	ErrNotFound  = errors.New("catalog: file not found")
	ErrInvalidID = errors.New("catalog: invalid file id")
)

var idPattern = regexp.MustCompile(`^[a-f0-9]{24}$`)

// ValidID reports whether id has the catalogue's identifier syntax.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewID returns a random identifier.
func NewID() string {
	var b [12]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// FileMetadata describes one catalogued file.
type FileMetadata struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`

	// Token is the encoded locator of the file's bytes.
	Token string `json:"token"`

	// DC is the home datacenter of the file.
	DC   int    `json:"dc"`
	Kind string `json:"kind"`

	Views     int64 `json:"views"`
	Downloads int64 `json:"downloads"`
}

// Store reads and updates file metadata.
type Store interface {
	Get(ctx context.Context, id string) (*FileMetadata, error)
	Put(ctx context.Context, f *FileMetadata) error
	IncrementViews(ctx context.Context, id string) error
	IncrementDownloads(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]FileMetadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]FileMetadata)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*FileMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (m *MemoryStore) Put(_ context.Context, f *FileMetadata) error {
	if !ValidID(f.ID) {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = *f
	return nil
}

func (m *MemoryStore) IncrementViews(_ context.Context, id string) error {
	return m.update(id, func(f *FileMetadata) { f.Views++ })
}

func (m *MemoryStore) IncrementDownloads(_ context.Context, id string) error {
	return m.update(id, func(f *FileMetadata) { f.Downloads++ })
}

func (m *MemoryStore) update(id string, fn func(*FileMetadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	fn(&f)
	m.files[id] = f
	return nil
}
