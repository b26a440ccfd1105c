package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrQuotaExceeded is returned when a save would exceed the storage quota
var ErrQuotaExceeded = errors.New("queue: storage quota exceeded")

// Storage holds the serialized queue. Load returns nil when nothing is stored.
type Storage interface {
	Load() ([]byte, error)
	Save(data []byte) error
	Clear() error
}

// FileStorage keeps the queue in one file, replaced atomically on every save so a
// crash mid-write never leaves a truncated queue behind.
type FileStorage struct {
	path     string
	maxBytes int64 // 0 = unlimited

	mu sync.Mutex
}

func NewFileStorage(path string, maxBytes int64) *FileStorage {
	return &FileStorage{path: path, maxBytes: maxBytes}
}

// Path returns the backing file
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	return data, nil
}

func (s *FileStorage) Save(data []byte) error {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrQuotaExceeded, len(data), s.maxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".heimdall-queue-*")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close queue file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

func (s *FileStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove queue file: %w", err)
	}
	return nil
}

// MemoryStorage is a process-local Storage, used when no queue path is
// configured and in tests.
type MemoryStorage struct {
	MaxBytes int64 // 0 = unlimited

	mu   sync.Mutex
	data []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStorage) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxBytes > 0 && int64(len(data)) > s.MaxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrQuotaExceeded, len(data), s.MaxBytes)
	}
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

// Set replaces the raw stored bytes
func (s *MemoryStorage) Set(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}
