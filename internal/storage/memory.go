package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[Area]map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data    []byte
	modTime time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[Area]map[string]memObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ListFiles returns objects whose path is dir or lies beneath it.
func (s *MemoryStore) ListFiles(_ context.Context, dir string, area Area) ([]FileInfo, error) {
	clean, err := CleanPath(dir, area)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []FileInfo
	for p, obj := range s.objects[area] {
		if clean != "" && p != clean && !strings.HasPrefix(p, clean+"/") {
			continue
		}
		files = append(files, FileInfo{Path: p, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Read returns a copy of the object's bytes.
func (s *MemoryStore) Read(_ context.Context, p string, area Area) ([]byte, error) {
	clean, err := CleanPath(p, area)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[area][clean]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", location(area, clean), apperrors.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Write stores a copy of data.
func (s *MemoryStore) Write(_ context.Context, p string, area Area, data []byte) (WriteResult, error) {
	clean, err := CleanPath(p, area)
	if err != nil {
		return WriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.objects[area] == nil {
		s.objects[area] = make(map[string]memObject)
	}
	s.objects[area][clean] = memObject{data: append([]byte(nil), data...), modTime: s.now()}
	return WriteResult{Area: area, Path: clean, Size: int64(len(data)), Location: "mem://" + location(area, clean)}, nil
}

// Put is a test convenience that writes without a context.
func (s *MemoryStore) Put(area Area, p string, data []byte) {
	if _, err := s.Write(context.Background(), p, area, data); err != nil {
		panic(err)
	}
}
