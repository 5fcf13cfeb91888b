package reliability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const archivePrefix = "archives/"

// ObjectStore is the bucket surface the mirror needs
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64) error
	Download(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ArchiveInfo represents an archive stored in the mirror
type ArchiveInfo struct {
	LastModified time.Time `json:"last_modified"`
	Name         string    `json:"name"`
	SizeBytes    int64     `json:"size_bytes"`
}

// ArchiveMirror keeps a remote copy of closed-year archives
type ArchiveMirror struct {
	store ObjectStore
	log   zerolog.Logger
}

// NewArchiveMirror creates a mirror backed by store
func NewArchiveMirror(store ObjectStore, log zerolog.Logger) *ArchiveMirror {
	return &ArchiveMirror{
		store: store,
		log:   log.With().Str("service", "archive_mirror").Logger(),
	}
}

// Upload stores an archive file by name
func (m *ArchiveMirror) Upload(ctx context.Context, name string, data []byte) error {
	if err := m.store.Upload(ctx, archivePrefix+name, bytes.NewReader(data), int64(len(data))); err != nil {
		return err
	}
	m.log.Debug().Str("archive", name).Int("size", len(data)).Msg("Archive mirrored")
	return nil
}

// Download fetches an archive by name; a missing archive yields domain.ErrNotFound
func (m *ArchiveMirror) Download(ctx context.Context, name string) ([]byte, error) {
	return m.store.Download(ctx, archivePrefix+name)
}

// ListArchives lists mirrored archives ordered by name
func (m *ArchiveMirror) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := m.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrored archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, archivePrefix)
		if name == "" || !strings.HasSuffix(name, ".json") {
			continue
		}
		archives = append(archives, ArchiveInfo{
			Name:         name,
			SizeBytes:    obj.Size,
			LastModified: obj.LastModified,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Name < archives[j].Name
	})
	return archives, nil
}

// Sync uploads local archives in dir that the mirror lacks or holds at a different size.
// It returns the number uploaded.
func (m *ArchiveMirror) Sync(ctx context.Context, dir string) (int, error) {
	remote, err := m.ListArchives(ctx)
	if err != nil {
		return 0, err
	}
	remoteSizes := make(map[string]int64, len(remote))
	for _, a := range remote {
		remoteSizes[a.Name] = a.SizeBytes
	}

	local, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list local archives: %w", err)
	}

	uploaded := 0
	for _, path := range local {
		name := filepath.Base(path)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if size, ok := remoteSizes[name]; ok && size == info.Size() {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn().Err(err).Str("archive", name).Msg("Failed to read local archive")
			continue
		}
		if err := m.Upload(ctx, name, data); err != nil {
			m.log.Error().Err(err).Str("archive", name).Msg("Failed to mirror archive")
			continue
		}
		uploaded++
	}

	m.log.Info().
		Int("local", len(local)).
		Int("remote", len(remote)).
		Int("uploaded", uploaded).
		Msg("Archive mirror sync completed")
	return uploaded, nil
}
