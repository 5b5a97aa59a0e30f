package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/basket/analyst/internal/bus"
)

// Store is the task progress persistence boundary. Read returns ok=false for
// the empty state, which is distinct from a record with zero subtasks.
type Store interface {
	Replace(ctx context.Context, rec Record) error
	Read(ctx context.Context) (Record, bool, error)
	Clear(ctx context.Context) error
	// Update applies fn to a copy of the current record (a fresh one when
	// empty) and writes the result, all under the write lock.
	Update(ctx context.Context, fn func(rec *Record, existed bool) error) (Record, error)
}

// StoreWriteError reports a failed write. The previously persisted record is
// left intact.
type StoreWriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreWriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("task store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

type sourceKey struct{}

// WithSource tags ctx with the writer's identity, carried on the
// tasks.updated event that follows a successful write.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

type autoCreatedKey struct{}

func withAutoCreated(ctx context.Context) context.Context {
	return context.WithValue(ctx, autoCreatedKey{}, true)
}

func notify(ctx context.Context, b *bus.Bus) {
	if b == nil {
		return
	}
	auto, _ := ctx.Value(autoCreatedKey{}).(bool)
	b.Publish(bus.TopicTasksUpdated, bus.TasksUpdatedEvent{Source: sourceFrom(ctx), AutoCreated: auto})
}

// FileStore keeps the record as an indented JSON file. Writes go through a
// temp file and rename so readers never observe a partial document.
type FileStore struct {
	path   string
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	lastHash uint64
	cleared  bool
}

// NewFileStore returns a store backed by path. b may be nil.
func NewFileStore(path string, b *bus.Bus, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, bus: b, logger: logger}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Replace(ctx context.Context, rec Record) error {
	s.mu.Lock()
	_, err := s.writeLocked(rec)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify(ctx, s.bus)
	return nil
}

func (s *FileStore) Read(ctx context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked()
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.mu.Unlock()
		return &StoreWriteError{Op: "clear", Path: s.path, Err: err}
	}
	s.lastHash = 0
	s.cleared = true
	s.mu.Unlock()
	notify(ctx, s.bus)
	return nil
}

func (s *FileStore) Update(ctx context.Context, fn func(rec *Record, existed bool) error) (Record, error) {
	s.mu.Lock()
	current, ok, err := s.readLocked()
	if err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	rec := NewRecord()
	if ok {
		rec = current.Clone()
	}
	if err := fn(&rec, ok); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	written, err := s.writeLocked(rec)
	s.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	notify(ctx, s.bus)
	return written, nil
}

// OwnsContent reports whether data is exactly what this store last wrote.
// The watcher uses it to skip notifications for its own writes.
func (s *FileStore) OwnsContent(data []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHash != 0 && s.lastHash == hashBytes(data)
}

func (s *FileStore) clearedByUs() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleared
}

func (s *FileStore) readLocked() (Record, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read task progress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("task progress file unreadable, treating as empty", "path", s.path, "error", err)
		return Record{}, false, nil
	}
	rec.normalize()
	return rec, true, nil
}

func (s *FileStore) writeLocked(rec Record) (Record, error) {
	rec.normalize()
	rec.UpdatedAt = now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, &StoreWriteError{Op: "encode", Path: s.path, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return Record{}, &StoreWriteError{Op: "write", Path: s.path, Err: err}
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return Record{}, &StoreWriteError{Op: "write", Path: s.path, Err: err}
	}
	s.lastHash = hashBytes(data)
	s.cleared = false
	return rec, nil
}

func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	bus *bus.Bus

	mu  sync.RWMutex
	rec *Record
}

func NewMemoryStore(b *bus.Bus) *MemoryStore {
	return &MemoryStore{bus: b}
}

func (s *MemoryStore) Replace(ctx context.Context, rec Record) error {
	rec = rec.Clone()
	rec.normalize()
	rec.UpdatedAt = now()
	s.mu.Lock()
	s.rec = &rec
	s.mu.Unlock()
	notify(ctx, s.bus)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return Record{}, false, nil
	}
	return s.rec.Clone(), true, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	notify(ctx, s.bus)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, fn func(rec *Record, existed bool) error) (Record, error) {
	s.mu.Lock()
	rec := NewRecord()
	existed := s.rec != nil
	if existed {
		rec = s.rec.Clone()
	}
	if err := fn(&rec, existed); err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	rec.normalize()
	rec.UpdatedAt = now()
	stored := rec.Clone()
	s.rec = &stored
	s.mu.Unlock()
	notify(ctx, s.bus)
	return rec, nil
}
