// Package store persists enrolled face embeddings.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
	"github.com/google/renameio"
)

var (
	// ErrCorruptStore is matched by CorruptStoreError.
	ErrCorruptStore = errors.New("corrupt embedding store")
	// ErrUnknownIdentity is returned when removing a label that is not enrolled.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrInvalidEmbedding is returned for empty or non-finite vectors.
	ErrInvalidEmbedding = errors.New("invalid embedding")
)

// CorruptStoreError reports an embeddings file that exists but cannot be decoded.
type CorruptStoreError struct {
	Path   string
	Reason string
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("corrupt embedding store %s: %s", e.Path, e.Reason)
}

func (e *CorruptStoreError) Is(target error) bool {
	return target == ErrCorruptStore
}

// Load reads the embeddings file at path. A missing file yields an empty mapping;
// a file that exists but does not decode yields a *CorruptStoreError.
func Load(path string) (types.KnownEmbeddings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.KnownEmbeddings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read embedding store: %w", err)
	}

	known, reason := decode(data)
	if reason != "" {
		return nil, &CorruptStoreError{Path: path, Reason: reason}
	}
	return known, nil
}

// Store holds the enrolled embeddings in memory and writes them back on change.
// Readers get lock-free snapshots; writers build a new mapping, persist it and
// only then publish it, so an in-flight match never sees a half-applied update.
type Store struct {
	path string
	mu   sync.Mutex
	snap atomic.Pointer[types.KnownEmbeddings]
}

// Open loads the store at path, see Load for the error contract.
func Open(path string) (*Store, error) {
	known, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.snap.Store(&known)
	return s, nil
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns the current mapping. Callers must treat it as read-only.
func (s *Store) Snapshot() types.KnownEmbeddings {
	return *s.snap.Load()
}

// Len returns the number of enrolled identities.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

// Enroll adds or replaces the embedding for label and persists the store.
func (s *Store) Enroll(label string, vec types.Embedding) error {
	if err := types.ValidateLabel(label); err != nil {
		return err
	}
	if err := validateEmbedding(vec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	if dim := cur.Dim(); dim != 0 {
		// Re-enrolling the only identity may change the model dimension.
		_, replacingOnly := cur[label]
		replacingOnly = replacingOnly && len(cur) == 1
		if dim != len(vec) && !replacingOnly {
			return &matcher.DimensionMismatchError{Want: dim, Got: len(vec)}
		}
	}

	next := cur.Clone()
	next[label] = vec.Clone()
	return s.commit(next)
}

// Remove deletes label from the store and persists it.
func (s *Store) Remove(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	if _, ok := cur[label]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownIdentity, label)
	}
	next := cur.Clone()
	delete(next, label)
	return s.commit(next)
}

// commit must be called with s.mu held.
func (s *Store) commit(next types.KnownEmbeddings) error {
	data, err := encode(next)
	if err != nil {
		return fmt.Errorf("encode embedding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write embedding store: %w", err)
	}
	s.snap.Store(&next)
	return nil
}

func validateEmbedding(vec types.Embedding) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	for i, v := range vec {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidEmbedding, i)
		}
	}
	return nil
}
