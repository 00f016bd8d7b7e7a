package quipflip

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ============================================================================
// Storage
// ============================================================================

// Storage is a namespaced key-value store backing the offline queue, the
// visitor identity, and the credential marker. Implementations must make
// Set durable before returning so a process restart reconstructs identical
// state.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory backend, mainly for tests.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// FileStorage
// ============================================================================

// FileStorage keeps one JSON file per key under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn value.
type FileStorage struct {
	mu  sync.Mutex
	dir string
}

// OpenFileStorage creates the directory if needed and returns the store.
func OpenFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	// Keys are namespaced with "/" separators; flatten for the filesystem.
	name := strings.ReplaceAll(key, "/", "__") + ".json"
	return filepath.Join(s.dir, name)
}

func (s *FileStorage) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *FileStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *FileStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStorage) Close() error { return nil }

// ============================================================================
// SQLiteStorage
// ============================================================================

type kvRecord struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value []byte `gorm:"column:value"`
}

func (kvRecord) TableName() string { return "quipflip_kv" }

// SQLiteStorage is a SQLite-backed key-value store for clients that want
// their queue and identity in a single database file.
type SQLiteStorage struct {
	db *gorm.DB
}

// OpenSQLiteStorage opens (or creates) the database at dsn and migrates
// the key-value table.
func OpenSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&kvRecord{}); err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Get(key string) ([]byte, bool, error) {
	var rec kvRecord
	err := s.db.First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

func (s *SQLiteStorage) Set(key string, value []byte) error {
	return s.db.Save(&kvRecord{Key: key, Value: value}).Error
}

func (s *SQLiteStorage) Delete(key string) error {
	return s.db.Delete(&kvRecord{}, "key = ?", key).Error
}

func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
