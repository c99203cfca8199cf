package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalStore keeps each area as a directory under Root.
type LocalStore struct {
	Root string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (s *LocalStore) abs(p string, area Area) (string, error) {
	clean, err := CleanPath(p, area)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, string(area), filepath.FromSlash(clean)), nil
}

// ListFiles walks dir recursively.
func (s *LocalStore) ListFiles(ctx context.Context, dir string, area Area) ([]FileInfo, error) {
	base, err := s.abs(dir, area)
	if err != nil {
		return nil, err
	}
	areaRoot := filepath.Join(s.Root, string(area))

	var files []FileInfo
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(areaRoot, p)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", area, dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Read returns the object's bytes.
func (s *LocalStore) Read(_ context.Context, p string, area Area) ([]byte, error) {
	abs, err := s.abs(p, area)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location(area, p), err)
	}
	return data, nil
}

// Write replaces the object atomically via a temp file and rename.
func (s *LocalStore) Write(_ context.Context, p string, area Area, data []byte) (WriteResult, error) {
	abs, err := s.abs(p, area)
	if err != nil {
		return WriteResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("create dir for %s: %w", location(area, p), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("write %s: %w", location(area, p), err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return WriteResult{}, fmt.Errorf("write %s: %w", location(area, p), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return WriteResult{}, fmt.Errorf("write %s: %w", location(area, p), err)
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return WriteResult{}, fmt.Errorf("write %s: %w", location(area, p), err)
	}
	clean, _ := CleanPath(p, area)
	return WriteResult{Area: area, Path: clean, Size: int64(len(data)), Location: abs}, nil
}
