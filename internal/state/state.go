// Package state implements the build-state store: a persistent record of
// "operation X done on component Y at time T", backing the dependency
// oracle's already-done query and the performer's mark-done effect. One
// file per record, rewritten atomically with github.com/google/renameio.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/kilnbuild/kiln/internal/action"
)

// record is the on-disk shape of one completed operation.
type record struct {
	Kind     string `json:"kind"`
	Path     string `json:"path"`
	UnixNano int64  `json:"unix_nano"`
}

// Store is the build-state store. All records live as individual JSON files
// under root, named after the reified action key, so two components never
// contend for the same file and a single corrupted record cannot take down
// the whole store.
type Store struct {
	root string

	mu    sync.Mutex
	cache map[action.Key]record
}

// Open returns a Store backed by files under root (the build root's
// .kiln-state directory), creating root if it does not exist.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, xerrors.Errorf("state: %w", err)
	}
	return &Store{root: root, cache: make(map[action.Key]record)}, nil
}

// fileName derives the on-disk record name for key, sanitizing the
// component path the same way the per-action result files do.
func fileName(key action.Key) string {
	kindTag, path := action.Reify(key)
	sanitized := strings.ReplaceAll(path, "/", "_")
	return fmt.Sprintf("%s.%s.json", sanitized, kindTag)
}

func (s *Store) path(key action.Key) string {
	return filepath.Join(s.root, fileName(key))
}

// Done reports whether key has ever been recorded as completed, consulting
// an in-process cache before touching the filesystem.
func (s *Store) Done(key action.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[key]; ok {
		return true, nil
	}

	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("state: reading record for %v: %w", key, err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return false, xerrors.Errorf("state: parsing record for %v: %w", key, err)
	}
	s.cache[key] = rec
	return true, nil
}

// MarkDone records key as completed at unixNano, atomically rewriting its
// record file via renameio so a concurrent reader never observes a
// half-written record.
func (s *Store) MarkDone(key action.Key, unixNano int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kindTag, path := action.Reify(key)
	rec := record{Kind: kindTag, Path: path, UnixNano: unixNano}
	b, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("state: %w", err)
	}
	if err := renameio.WriteFile(s.path(key), b, 0644); err != nil {
		return xerrors.Errorf("state: writing record for %v: %w", key, err)
	}
	s.cache[key] = rec
	return nil
}

// Timestamp returns the recorded completion time for key, if any, as
// Unix-nanoseconds. The second return value is false if key was never
// marked done.
func (s *Store) Timestamp(key action.Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache[key]; ok {
		return rec.UnixNano, true, nil
	}
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("state: reading record for %v: %w", key, err)
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return 0, false, xerrors.Errorf("state: parsing record for %v: %w", key, err)
	}
	s.cache[key] = rec
	return rec.UnixNano, true, nil
}
