package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	apperrors "loanmvp.io/pipeline/internal/pkg/errors"
)

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	Bucket string
	// Prefix is prepended to every object key, before the area.
	Prefix string
	// CredentialsJSON is optional; Application Default Credentials are used
	// when empty.
	CredentialsJSON string
}

// GCSStore keeps areas as key prefixes in one Google Cloud Storage bucket:
// <prefix>/<area>/<path>.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a client and verifies the bucket is reachable.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if creds := strings.TrimSpace(cfg.CredentialsJSON); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %w", cfg.Bucket, err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) key(p string, area Area) (string, error) {
	clean, err := CleanPath(p, area)
	if err != nil {
		return "", err
	}
	return objectKey(s.prefix, area, clean), nil
}

func objectKey(prefix string, area Area, clean string) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, string(area))
	if clean != "" {
		parts = append(parts, clean)
	}
	return strings.Join(parts, "/")
}

// ListFiles lists objects under dir.
func (s *GCSStore) ListFiles(ctx context.Context, dir string, area Area) ([]FileInfo, error) {
	dirKey, err := s.key(dir, area)
	if err != nil {
		return nil, err
	}
	areaKey := objectKey(s.prefix, area, "") + "/"

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: dirKey})
	var files []FileInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, dirKey, err)
		}
		if strings.HasSuffix(attrs.Name, "/") || !underKey(attrs.Name, dirKey) {
			continue
		}
		files = append(files, FileInfo{
			Path:    strings.TrimPrefix(attrs.Name, areaKey),
			Size:    attrs.Size,
			ModTime: attrs.Updated.UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// underKey reports whether object name is the key itself or lies below it,
// so "tapes" matches "tapes/a.csv" but not "tapes2/c.csv".
func underKey(name, key string) bool {
	return name == key || strings.HasPrefix(name, key+"/")
}

// Read downloads an object.
func (s *GCSStore) Read(ctx context.Context, p string, area Area) ([]byte, error) {
	key, err := s.key(p, area)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

// Write uploads an object, replacing any existing one.
func (s *GCSStore) Write(ctx context.Context, p string, area Area, data []byte) (WriteResult, error) {
	key, err := s.key(p, area)
	if err != nil {
		return WriteResult{}, err
	}
	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType(key)

	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return WriteResult{}, fmt.Errorf("failed to upload gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := wc.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("failed to close writer for gs://%s/%s: %w", s.bucket, key, err)
	}
	clean, _ := CleanPath(p, area)
	return WriteResult{
		Area:     area,
		Path:     clean,
		Size:     int64(len(data)),
		Location: "gs://" + s.bucket + "/" + key,
	}, nil
}

func contentType(key string) string {
	switch Ext(key) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}
