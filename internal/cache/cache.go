// Package cache implements the time-bounded local cache store. Every data
// class carries its own TTL reflecting how fast the corresponding server-side
// state drifts; expired or unreadable entries behave as misses and are
// deleted on read. All cached data is reconstructible from the remote store,
// so the size ceiling triggers a coarse whole-cache eviction instead of LRU.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Class identifies a cached data class with a fixed TTL.
type Class string

const (
	ClassProfile  Class = "profile"
	ClassContacts Class = "contacts"
	ClassMessages Class = "messages"
	ClassForum    Class = "forum"
)

// TTLs per class. Message lists drift fastest, profiles slowest.
var classTTL = map[Class]time.Duration{
	ClassProfile:  30 * time.Minute,
	ClassContacts: 10 * time.Minute,
	ClassMessages: 60 * time.Second,
	ClassForum:    15 * time.Minute,
}

// TTL returns the time-to-live for a class. Unknown classes get zero,
// which makes every read a miss.
func TTL(class Class) time.Duration {
	return classTTL[class]
}

// DefaultMaxBytes is the whole-cache eviction ceiling.
const DefaultMaxBytes = 50 << 20

// Stats describes the current cache footprint.
type Stats struct {
	ItemCount  int
	TotalBytes int64
}

// Store is the SQLite-backed cache store. A single Put is atomic: a
// concurrent Get sees either the previous entry or the new one, never a
// partial write.
type Store struct {
	db       *sql.DB
	maxBytes int64
	logger   *zap.Logger
	now      func() time.Time
}

// Open creates a cache store at path with WAL mode and applies migrations.
// maxBytes <= 0 selects DefaultMaxBytes.
func Open(path string, maxBytes int64, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:       db,
		maxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores payload under (class, scopeKey), replacing any previous entry.
// When the write pushes the cache over the size ceiling the whole cache is
// evicted, including the entry just written.
func (s *Store) Put(class Class, scopeKey string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO cache_entries (class, scope_key, payload, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(class, scope_key) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at`,
		string(class), scopeKey, data, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	stats, err := s.Stats()
	if err != nil {
		// The entry is written; skipping one ceiling check is recoverable.
		s.logger.Error("cache stats failed, skipping ceiling check", zap.Error(err))
		return nil
	}
	if stats.TotalBytes > s.maxBytes {
		s.logger.Warn("cache over size ceiling, evicting everything",
			zap.Int64("total_bytes", stats.TotalBytes),
			zap.Int64("max_bytes", s.maxBytes))
		return s.ClearAll()
	}
	return nil
}

// Get loads the entry under (class, scopeKey) into out. It returns false
// when no entry exists, when the entry's age exceeds the class TTL, or when
// the stored payload cannot be decoded; in the latter two cases the entry is
// deleted before returning.
func (s *Store) Get(class Class, scopeKey string, out any) (bool, error) {
	var data []byte
	var cachedAt int64
	err := s.db.QueryRow(`
		SELECT payload, cached_at FROM cache_entries
		WHERE class = ? AND scope_key = ?`,
		string(class), scopeKey).Scan(&data, &cachedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache entry: %w", err)
	}

	age := s.now().Sub(time.UnixMilli(cachedAt))
	if age > TTL(class) {
		if err := s.Invalidate(class, scopeKey); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		// Corrupt entry: treat as a miss and drop it.
		s.logger.Error("corrupt cache entry dropped",
			zap.String("class", string(class)),
			zap.String("scope_key", scopeKey),
			zap.Error(err))
		if err := s.Invalidate(class, scopeKey); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Invalidate removes the entry under (class, scopeKey).
func (s *Store) Invalidate(class Class, scopeKey string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE class = ? AND scope_key = ?`,
		string(class), scopeKey)
	if err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// ClearAll removes every entry. Called on sign-out and on size-ceiling breach.
func (s *Store) ClearAll() error {
	_, err := s.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// Stats returns the entry count and the total stored bytes (keys + payloads).
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(LENGTH(payload) + LENGTH(class) + LENGTH(scope_key)), 0)
		FROM cache_entries`).Scan(&st.ItemCount, &st.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return st, nil
}
