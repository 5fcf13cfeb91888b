package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/aristath/pricehub/internal/modules/history"
	testingpkg "github.com/aristath/pricehub/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ history.Mirror = (*ArchiveMirror)(nil)

type memoryStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
	uploads   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (s *memoryStore) Upload(ctx context.Context, key string, reader io.Reader, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	s.objects[key] = data
	s.uploads++
	return nil
}

func (s *memoryStore) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (s *memoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ObjectInfo
	for k, v := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func TestArchiveMirror_UploadDownload(t *testing.T) {
	store := newMemoryStore()
	mirror := NewArchiveMirror(store, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, mirror.Upload(ctx, "AAPL_2023.json", []byte("[]")))
	assert.Contains(t, store.objects, "archives/AAPL_2023.json")

	data, err := mirror.Download(ctx, "AAPL_2023.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), data)

	_, err = mirror.Download(ctx, "MSFT_2023.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveMirror_ListArchives(t *testing.T) {
	store := newMemoryStore()
	store.objects["archives/MSFT_2022.json"] = []byte("abc")
	store.objects["archives/AAPL_2023.json"] = []byte("ab")
	store.objects["archives/notes.txt"] = []byte("x")
	store.objects["other/AAPL_2020.json"] = []byte("x")

	archives, err := NewArchiveMirror(store, zerolog.Nop()).ListArchives(context.Background())
	require.NoError(t, err)

	require.Len(t, archives, 2)
	assert.Equal(t, "AAPL_2023.json", archives[0].Name)
	assert.Equal(t, int64(2), archives[0].SizeBytes)
	assert.Equal(t, "MSFT_2022.json", archives[1].Name)
}

func TestArchiveMirror_Sync(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL_2023.json"), []byte("[1]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MSFT_2023.json"), []byte("[22]"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MSFT_2025.db"), []byte("sqlite"), 0644))

	store := newMemoryStore()
	store.objects["archives/AAPL_2023.json"] = []byte("[1]")
	mirror := NewArchiveMirror(store, zerolog.Nop())

	uploaded, err := mirror.Sync(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, uploaded)
	assert.Equal(t, []byte("[22]"), store.objects["archives/MSFT_2023.json"])
	assert.NotContains(t, store.objects, "archives/MSFT_2025.db")

	// Second pass has nothing to do
	uploaded, err = mirror.Sync(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, uploaded)
}

func TestArchiveMirror_SyncUploadFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL_2023.json"), []byte("[1]"), 0644))

	store := newMemoryStore()
	store.uploadErr = errors.New("bucket unavailable")

	uploaded, err := NewArchiveMirror(store, zerolog.Nop()).Sync(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 0, uploaded)
}

func TestArchiveMirror_WithYearStore(t *testing.T) {
	store := newMemoryStore()
	mirror := NewArchiveMirror(store, zerolog.Nop())
	log := zerolog.Nop()
	ctx := context.Background()

	years := history.NewStore(history.Config{Dir: testingpkg.NewTestDataDir(t), Mirror: mirror}, log)
	defer years.Close()

	require.NoError(t, years.AppendRows(ctx, "AAPL", 2023, testingpkg.NewDayFixtures(3)))
	_, err := years.Archive(ctx, "AAPL", 2023)
	require.NoError(t, err)
	assert.Contains(t, store.objects, "archives/AAPL_2023.json")

	// A fresh data directory restores from the mirror
	restored := history.NewStore(history.Config{Dir: testingpkg.NewTestDataDir(t), Mirror: mirror}, log)
	defer restored.Close()

	blob, err := restored.LoadArchive(ctx, "AAPL", 2023)
	require.NoError(t, err)
	assert.Equal(t, 3, blob.Filled())
}
