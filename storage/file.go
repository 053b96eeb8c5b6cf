package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	fileExt = ".json"
	tempExt = ".tmp"
)

// FileStore keeps one file per key in a directory. Every process pointed at
// the same directory shares the values, and changes made by one process are
// reported to the others through an fsnotify watch.
type FileStore struct {
	dir string
	log zerolog.Logger

	mu        sync.Mutex
	closed    bool
	watcher   *fsnotify.Watcher
	done      chan struct{}
	nextID    int
	listeners map[string]map[int]func(Change)
	// known holds the last value this process wrote or observed per watched
	// key. Events that do not move a key away from it are not reported.
	known map[string]*string
}

var _ Storage = (*FileStore)(nil)

// NewFileStore opens (and creates, if needed) the storage directory.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &FileStore{
		dir:       dir,
		log:       log.With().Str("component", "filestore").Logger(),
		listeners: make(map[string]map[int]func(Change)),
		known:     make(map[string]*string),
	}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.dir, key+fileExt), nil
}

func (s *FileStore) Get(key string) (string, bool, error) {
	path, err := s.path(key)
	if err != nil {
		return "", false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return string(data), true, nil
}

// Set writes value under key using a temp file and an atomic rename while
// holding the key's lock file.
func (s *FileStore) Set(key, value string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	lock, err := acquireFileLock(path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.log.Warn().Err(releaseErr).Str("key", key).Msg("failed to release lock")
		}
	}()

	tempFile := path + tempExt
	if err := os.WriteFile(tempFile, []byte(value), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Recorded before the rename so the watch never mistakes this write for
	// another process's.
	s.remember(key, strPtr(value))

	if err := os.Rename(tempFile, path); err != nil {
		s.forget(key)
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	lock, err := acquireFileLock(path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.log.Warn().Err(releaseErr).Str("key", key).Msg("failed to release lock")
		}
	}()

	s.remember(key, nil)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.forget(key)
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) remember(key string, value *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, watched := s.listeners[key]; watched {
		s.known[key] = value
	}
}

// forget resets the known value of key to what is on disk after a failed write.
func (s *FileStore) forget(key string) {
	var current *string
	if v, ok, err := s.Get(key); err == nil && ok {
		current = strPtr(v)
	}
	s.remember(key, current)
}

// OnChange registers fn for changes to key made by other processes. The
// directory watch is started on first use; if it cannot be started the
// failure is logged and fn is never called.
func (s *FileStore) OnChange(key string, fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}

	if s.watcher == nil {
		if err := s.startWatchLocked(); err != nil {
			s.log.Error().Err(err).Msg("change notifications unavailable")
		}
	}

	if s.listeners[key] == nil {
		s.listeners[key] = make(map[int]func(Change))
		if v, ok, err := s.Get(key); err == nil && ok {
			s.known[key] = strPtr(v)
		} else {
			s.known[key] = nil
		}
	}

	id := s.nextID
	s.nextID++
	s.listeners[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
	}
}

func (s *FileStore) startWatchLocked() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	go s.watch(watcher, s.done)
	return nil
}

func (s *FileStore) watch(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			key, ok := keyFromPath(event.Name)
			if !ok {
				continue
			}
			s.reconcile(key)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func keyFromPath(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, fileExt) || strings.HasPrefix(base, ".") {
		return "", false
	}
	return strings.TrimSuffix(base, fileExt), true
}

// reconcile re-reads key and reports it when it differs from the last value
// this process knows about.
func (s *FileStore) reconcile(key string) {
	var current *string
	if v, ok, err := s.Get(key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to re-read key")
		return
	} else if ok {
		current = strPtr(v)
	}

	s.mu.Lock()
	fnsByID, watched := s.listeners[key]
	if !watched || s.closed {
		s.mu.Unlock()
		return
	}
	old := s.known[key]
	if equalValues(old, current) {
		s.mu.Unlock()
		return
	}
	s.known[key] = current
	fns := make([]func(Change), 0, len(fnsByID))
	for _, fn := range fnsByID {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.log.Debug().Str("key", key).Bool("removed", current == nil).Msg("external change")

	change := Change{Key: key, OldValue: old, NewValue: current}
	for _, fn := range fns {
		fn(change)
	}
}

func equalValues(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Close stops the directory watch.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher, done := s.watcher, s.done
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
