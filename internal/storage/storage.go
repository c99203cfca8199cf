// Package storage is the blob store the pipeline reads tapes from and
// writes artifacts to. Every path is relative to one of three logical areas.
//
// Import Path: loanmvp.io/pipeline/internal/storage
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
)

// Area is a logical storage area.
type Area string

const (
	AreaInputs  Area = "inputs"
	AreaOutputs Area = "outputs"
	AreaArchive Area = "archive"
)

// Valid reports whether a is one of the known areas.
func (a Area) Valid() bool {
	switch a {
	case AreaInputs, AreaOutputs, AreaArchive:
		return true
	}
	return false
}

// FileInfo describes one stored object. Path is relative to its area.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// WriteResult describes a completed write.
type WriteResult struct {
	Area     Area   `json:"area"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Location string `json:"location"`
}

// Store is the blob store contract used by the pipeline.
type Store interface {
	// ListFiles returns every object under dir in area, sorted by path.
	// A missing dir yields an empty list.
	ListFiles(ctx context.Context, dir string, area Area) ([]FileInfo, error)
	Read(ctx context.Context, p string, area Area) ([]byte, error)
	Write(ctx context.Context, p string, area Area, data []byte) (WriteResult, error)
}

// CleanPath normalises a relative object path and rejects anything that
// escapes its area.
func CleanPath(p string, area Area) (string, error) {
	if !area.Valid() {
		return "", apperrors.BadRequest(apperrors.CodeStoragePathForbidden,
			fmt.Sprintf("unknown storage area %q", area))
	}
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", forbidden(p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", forbidden(p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func forbidden(p string) error {
	return apperrors.BadRequest(apperrors.CodeStoragePathForbidden,
		"storage path escapes its area").WithParams(map[string]interface{}{"path": p})
}

// Join joins path elements with forward slashes.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// Ext returns the lower-cased extension of p.
func Ext(p string) string {
	return strings.ToLower(path.Ext(p))
}

func location(area Area, p string) string {
	return string(area) + "/" + p
}
