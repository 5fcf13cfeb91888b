// Package history stores per-year price series for a symbol.
//
// A year lives in one of two forms inside the data directory:
//
//	{symbol}_{year}.db    live table, one row per recorded day, still receiving fetch results
//	{symbol}_{year}.json  archive, an immutable 366-slot blob for a closed year
//
// Archive is the only operation that retires a live table.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aristath/pricehub/internal/database"
	"github.com/aristath/pricehub/internal/domain"
	"github.com/rs/zerolog"
)

const (
	liveExt    = ".db"
	archiveExt = ".json"
)

// errMirror marks archive reads that failed on the mirror rather than on local disk
var errMirror = errors.New("archive mirror unavailable")

// Mirror is an optional remote copy of archives
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
	// Download returns domain.ErrNotFound when the object does not exist
	Download(ctx context.Context, name string) ([]byte, error)
}

// Key identifies one year of one symbol
type Key struct {
	Symbol string `json:"symbol"`
	Year   int    `json:"year"`
}

func (k Key) String() string {
	return k.Symbol + "_" + strconv.Itoa(k.Year)
}

// Config configures a Store
type Config struct {
	Dir           string
	Driver        string
	MaxOpenTables int
	Mirror        Mirror
}

// Store is the YearStore: the sole owner of live tables and archives
type Store struct {
	dir    string
	driver string
	mirror Mirror
	tables *tableCache
	log    zerolog.Logger

	locksMu sync.Mutex
	locks   map[Key]*keyLock
}

// keyLock serializes access to one key. refs counts holders and waiters;
// the entry is dropped from Store.locks when it reaches zero.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a store rooted at cfg.Dir
func NewStore(cfg Config, log zerolog.Logger) *Store {
	if cfg.MaxOpenTables <= 0 {
		cfg.MaxOpenTables = 3
	}
	return &Store{
		dir:    cfg.Dir,
		driver: cfg.Driver,
		mirror: cfg.Mirror,
		tables: newTableCache(cfg.MaxOpenTables),
		log:    log.With().Str("component", "year_store").Logger(),
		locks:  make(map[Key]*keyLock),
	}
}

// Dir returns the data directory
func (s *Store) Dir() string {
	return s.dir
}

// LivePath returns the live table file for (symbol, year)
func (s *Store) LivePath(symbol string, year int) string {
	return filepath.Join(s.dir, Key{symbol, year}.String()+liveExt)
}

// ArchivePath returns the archive file for (symbol, year)
func (s *Store) ArchivePath(symbol string, year int) string {
	return filepath.Join(s.dir, Key{symbol, year}.String()+archiveExt)
}

func (s *Store) lock(key Key) func() {
	l := s.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.release(key, l)
	}
}

func (s *Store) acquire(key Key) *keyLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *Store) release(key Key, l *keyLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// lockCount returns the number of keys currently locked or waited on
func (s *Store) lockCount() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

// HasArchive reports whether a local archive exists
func (s *Store) HasArchive(symbol string, year int) bool {
	return fileExists(s.ArchivePath(symbol, year))
}

// HasLive reports whether a live table exists
func (s *Store) HasLive(symbol string, year int) bool {
	return fileExists(s.LivePath(symbol, year))
}

// LoadArchive reads the archive for (symbol, year).
// When the local file is missing and a mirror is configured, the archive is restored from it.
// A mirror failure reads as domain.ErrNotFound while a live table can still be archived locally.
func (s *Store) LoadArchive(ctx context.Context, symbol string, year int) (domain.YearBlob, error) {
	key := Key{symbol, year}
	defer s.lock(key)()

	data, err := s.readArchive(ctx, key)
	if errors.Is(err, errMirror) && s.HasLive(symbol, year) {
		s.log.Warn().Err(err).Str("symbol", symbol).Int("year", year).Msg("Archive mirror failed, falling back to live table")
		return nil, fmt.Errorf("archive %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return domain.DecodeYearBlob(data)
}

// LoadArchiveRaw returns the stored archive bytes unchanged
func (s *Store) LoadArchiveRaw(ctx context.Context, symbol string, year int) ([]byte, error) {
	key := Key{symbol, year}
	defer s.lock(key)()

	return s.readArchive(ctx, key)
}

func (s *Store) readArchive(ctx context.Context, key Key) ([]byte, error) {
	path := s.ArchivePath(key.Symbol, key.Year)
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read archive %s: %w", key, err)
	}

	if s.mirror == nil {
		return nil, fmt.Errorf("archive %s: %w", key, domain.ErrNotFound)
	}

	data, err = s.mirror.Download(ctx, filepath.Base(path))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("archive %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to restore archive %s: %w: %w", key, errMirror, err)
	}
	if _, err := domain.DecodeYearBlob(data); err != nil {
		return nil, fmt.Errorf("mirrored archive %s is corrupt: %w: %w", key, errMirror, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, err
	}

	s.log.Info().Str("symbol", key.Symbol).Int("year", key.Year).Msg("Restored archive from mirror")
	return data, nil
}

// LoadLive returns the live table's rows as a 366-slot sequence
func (s *Store) LoadLive(ctx context.Context, symbol string, year int) (domain.YearBlob, error) {
	key := Key{symbol, year}
	defer s.lock(key)()

	db, err := s.openLive(key, false)
	if err != nil {
		return nil, err
	}

	blob := domain.NewYearBlob()
	if err := readRows(ctx, db, blob); err != nil {
		return nil, fmt.Errorf("failed to read live table %s: %w", key, err)
	}
	return blob, nil
}

// MaxRecordedDay returns the highest recorded day in the live table, 0 if there is none
func (s *Store) MaxRecordedDay(ctx context.Context, symbol string, year int) (int, error) {
	key := Key{symbol, year}
	defer s.lock(key)()

	db, err := s.openLive(key, false)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var maxDay int
	if err := db.Conn().QueryRowContext(ctx, "SELECT COALESCE(MAX(d), 0) FROM days").Scan(&maxDay); err != nil {
		return 0, fmt.Errorf("failed to query max day for %s: %w", key, err)
	}
	return maxDay, nil
}

// AppendRows upserts rows keyed by day of year, creating the live table if needed
func (s *Store) AppendRows(ctx context.Context, symbol string, year int, rows []domain.DayRecord) error {
	for _, row := range rows {
		if err := domain.ValidateDay(row.Day); err != nil {
			return err
		}
	}

	key := Key{symbol, year}
	defer s.lock(key)()

	db, err := s.openLive(key, true)
	if err != nil {
		return err
	}

	err = database.WithTransactionContext(ctx, db.Conn(), func(tx *sql.Tx) error {
		return upsertRows(ctx, tx, rows)
	})
	if err != nil {
		return fmt.Errorf("failed to append rows to %s: %w", key, err)
	}

	s.log.Debug().
		Str("symbol", symbol).
		Int("year", year).
		Int("count", len(rows)).
		Msg("Appended rows to live table")
	return nil
}

// Archive converts the live table into the archive and deletes the live table.
//
// Rows already in an existing archive are kept unless the live table overrides them.
// Without a live table the existing archive is returned as is, so repeated calls are safe.
func (s *Store) Archive(ctx context.Context, symbol string, year int) (domain.YearBlob, error) {
	key := Key{symbol, year}
	defer s.lock(key)()

	livePath := s.LivePath(symbol, year)
	if !fileExists(livePath) {
		data, err := s.readArchive(ctx, key)
		if err != nil {
			return nil, err
		}
		return domain.DecodeYearBlob(data)
	}

	blob := domain.NewYearBlob()
	existing, err := s.readArchive(ctx, key)
	switch {
	case err == nil:
		if blob, err = domain.DecodeYearBlob(existing); err != nil {
			return nil, err
		}
	case errors.Is(err, domain.ErrNotFound):
	case errors.Is(err, errMirror):
		// Local rows still make a complete archive; the mirror copy is replaced on upload
		s.log.Warn().Err(err).Str("symbol", symbol).Int("year", year).Msg("Archive mirror failed, archiving live table only")
	default:
		return nil, err
	}

	db, err := s.openLive(key, false)
	if err != nil {
		return nil, err
	}
	if err := readRows(ctx, db, blob); err != nil {
		return nil, fmt.Errorf("failed to read live table %s: %w", key, err)
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode archive %s: %w", key, err)
	}

	archivePath := s.ArchivePath(symbol, year)
	if err := writeFileAtomic(archivePath, data); err != nil {
		return nil, err
	}

	if err := s.tables.remove(key); err != nil {
		s.log.Warn().Err(err).Str("table", key.String()).Msg("Failed to close live table")
	}
	if err := removeLiveFiles(livePath); err != nil {
		return nil, fmt.Errorf("archive written but failed to delete live table %s: %w", key, err)
	}

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, filepath.Base(archivePath), data); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Int("year", year).Msg("Failed to mirror archive")
		}
	}

	s.log.Info().
		Str("symbol", symbol).
		Int("year", year).
		Int("filled", blob.Filled()).
		Msg("Archived live table")
	return blob, nil
}

// ListLive returns every live table in the data directory, ordered by symbol then year
func (s *Store) ListLive() ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var keys []Key
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), liveExt) {
			continue
		}
		key, ok := parseKey(strings.TrimSuffix(entry.Name(), liveExt))
		if !ok {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Year < keys[j].Year
	})
	return keys, nil
}

// OpenTables returns the number of live table handles currently held
func (s *Store) OpenTables() int {
	return s.tables.len()
}

// Close closes every cached live table handle
func (s *Store) Close() error {
	return s.tables.closeAll()
}

// openLive returns a cached or freshly opened handle; the caller holds the key lock
func (s *Store) openLive(key Key, create bool) (*database.DB, error) {
	if db := s.tables.get(key); db != nil {
		return db, nil
	}

	path := s.LivePath(key.Symbol, key.Year)
	if !create && !fileExists(path) {
		return nil, fmt.Errorf("live table %s: %w", key, domain.ErrNotFound)
	}

	db, err := database.New(database.Config{
		Path:    path,
		Driver:  s.driver,
		Profile: database.ProfileYearTable,
		Name:    "year",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open live table %s: %w", key, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate live table %s: %w", key, err)
	}

	for _, evicted := range s.tables.put(key, db, s.tryLockOther(key)) {
		s.log.Debug().Str("table", evicted.String()).Msg("Closed idle live table")
	}
	return db, nil
}

// tryLockOther lets the cache evict a table only when nobody is using it
func (s *Store) tryLockOther(self Key) func(Key) (func(), bool) {
	return func(k Key) (func(), bool) {
		if k == self {
			return nil, false
		}
		l := s.acquire(k)
		if !l.mu.TryLock() {
			s.release(k, l)
			return nil, false
		}
		return func() {
			l.mu.Unlock()
			s.release(k, l)
		}, true
	}
}

func parseKey(name string) (Key, bool) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return Key{}, false
	}
	year, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return Key{}, false
	}
	symbol := name[:idx]
	if domain.ValidateSymbol(symbol) != nil {
		return Key{}, false
	}
	return Key{Symbol: symbol, Year: year}, true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// writeFileAtomic writes through a temp file so readers never see a partial archive
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

func removeLiveFiles(path string) error {
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
