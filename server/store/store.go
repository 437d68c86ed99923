package store

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get when no blob is stored under an id.
	ErrNotFound = errors.New("blob not found")

	// ErrStoreFull is returned by Put when storing the blob would exceed the
	// configured byte budget.
	ErrStoreFull = errors.New("blob store is full")
)

// Stats is a point-in-time view of the store's contents.
type Stats struct {
	Blobs int
	Bytes int64
}

// Store is an in-memory mapping from identifier to blob, safe for concurrent
// use. Blobs are swapped in as whole values, so a Get observes either a
// completed Put or none. Stored slices are owned by the Store: callers must
// not modify a blob after passing it to Put or after receiving it from Get.
type Store struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	size     int64
	maxBytes int64
}

// New returns an empty Store. A positive maxBytes bounds the total size of
// all stored blobs; zero or negative disables the bound.
func New(maxBytes int64) *Store {
	return &Store{
		blobs:    make(map[string][]byte),
		maxBytes: maxBytes,
	}
}

// Put inserts or replaces the blob stored under id. The most recent Put for
// an id wins.
func (s *Store) Put(id string, blob []byte) error {
	if blob == nil {
		blob = []byte{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	newSize := s.size + int64(len(blob))
	if old, ok := s.blobs[id]; ok {
		newSize -= int64(len(old))
	}
	if s.maxBytes > 0 && newSize > s.maxBytes {
		return errors.Wrapf(ErrStoreFull, "storing %d bytes would use %d of %d",
			len(blob), newSize, s.maxBytes)
	}
	s.blobs[id] = blob
	s.size = newSize
	return nil
}

// Get returns the blob stored under id or ErrNotFound.
func (s *Store) Get(id string) ([]byte, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

// Delete removes the blob stored under id and reports whether one existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[id]
	if !ok {
		return false
	}
	delete(s.blobs, id)
	s.size -= int64(len(blob))
	return true
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Size returns the total number of stored blob bytes.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Stats returns the number of blobs and bytes currently stored.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Blobs: len(s.blobs), Bytes: s.size}
}
