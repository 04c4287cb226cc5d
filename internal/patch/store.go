package patch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BackupStore keeps the original bytes of every file a job modifies.
type BackupStore interface {
	// Save stores content unless a backup for (jobID, path) exists already.
	// It reports whether content was stored.
	Save(ctx context.Context, jobID int64, path string, content []byte) (bool, error)
	// Load returns all backups of a job keyed by path.
	Load(ctx context.Context, jobID int64) (map[string][]byte, error)
	// Drop forgets all backups of a job.
	Drop(ctx context.Context, jobID int64) error
}

// MemoryStore is a process-local BackupStore.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[int64]map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[int64]map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, jobID int64, path string, content []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.jobs[jobID]
	if !ok {
		files = make(map[string][]byte)
		m.jobs[jobID] = files
	}
	if _, exists := files[path]; exists {
		return false, nil
	}
	files[path] = append([]byte(nil), content...)
	return true, nil
}

func (m *MemoryStore) Load(_ context.Context, jobID int64) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.jobs[jobID]))
	for p, c := range m.jobs[jobID] {
		out[p] = append([]byte(nil), c...)
	}
	return out, nil
}

func (m *MemoryStore) Drop(_ context.Context, jobID int64) error {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
	return nil
}

// BadgerStore is a BackupStore that survives process restarts.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadgerStore opens a BadgerStore in dir. Pass ":memory:" for an
// in-memory database (used by tests).
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if dir == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating backup directory: %w", err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening backup store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func jobPrefix(jobID int64) []byte {
	return []byte("backup/" + strconv.FormatInt(jobID, 10) + "/")
}

func (b *BadgerStore) Save(_ context.Context, jobID int64, path string, content []byte) (bool, error) {
	key := append(jobPrefix(jobID), path...)
	stored := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		stored = true
		return txn.Set(key, content)
	})
	if err != nil {
		return false, fmt.Errorf("saving backup of %s for job %d: %w", path, jobID, err)
	}
	return stored, nil
}

func (b *BadgerStore) Load(_ context.Context, jobID int64) (map[string][]byte, error) {
	prefix := jobPrefix(jobID)
	out := make(map[string][]byte)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(prefix):])] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading backups for job %d: %w", jobID, err)
	}
	return out, nil
}

func (b *BadgerStore) Drop(_ context.Context, jobID int64) error {
	prefix := jobPrefix(jobID)
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dropping backups for job %d: %w", jobID, err)
	}
	return nil
}
