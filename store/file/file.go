// Package file provides a coverage.Store kept in a single JSON file.
//
// Every write rewrites the whole document through atomic.WriteFile, so
// a crash mid-write leaves either the old or the new namespace on disk,
// never a torn one. Suited to the CLI, where one operator runs one
// batch at a time.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/warp/coverage-audit/coverage"
	"github.com/warp/coverage-audit/coverage/store"
)

// Store implements coverage.Store over one JSON object on disk.
type Store struct {
	store.Broadcaster

	path string
	mu   sync.Mutex
}

// New returns a Store at path, creating parent directories. The file
// itself is created on first write.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) Set(_ context.Context, values map[string]json.RawMessage) error {
	s.mu.Lock()
	doc, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var changes []coverage.Change
	for _, k := range sortedKeys(values) {
		old, existed := doc[k]
		if existed && bytes.Equal(old, values[k]) {
			continue
		}
		doc[k] = values[k]
		changes = append(changes, coverage.Change{Key: k, Old: old, New: values[k]})
	}
	if len(changes) > 0 {
		err = s.save(doc)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Publish(changes)
	return nil
}

func (s *Store) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	doc, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var changes []coverage.Change
	for _, k := range keys {
		old, existed := doc[k]
		if !existed {
			continue
		}
		delete(doc, k)
		changes = append(changes, coverage.Change{Key: k, Old: old})
	}
	if len(changes) > 0 {
		err = s.save(doc)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Publish(changes)
	return nil
}

func (s *Store) load() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) save(doc map[string]json.RawMessage) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ coverage.Store = (*Store)(nil)
