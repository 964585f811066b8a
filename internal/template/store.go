package template

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultCacheCapacity = 32

// ChangeEvent notifies subscribers that a watched template file changed.
type ChangeEvent struct {
	File string
	Hash string
}

type cacheEntry struct {
	hash     string
	template *Template
	element  *list.Element
}

// Store loads station templates keyed by file path, content-hashes each one
// and caches parsed templates with LRU eviction. Watched files emit change
// events with rapid writes coalesced.
type Store struct {
	log      *zap.Logger
	capacity int

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
	subs      []chan ChangeEvent
	closed    chan struct{}
}

// NewStore builds an empty template store.
func NewStore(log *zap.Logger) *Store {
	return &Store{
		log:      log,
		capacity: defaultCacheCapacity,
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		closed:   make(chan struct{}),
	}
}

// Load returns the parsed template and its content hash for a file path,
// reading from the cache when the on-disk content is unchanged.
func (s *Store) Load(file string) (*Template, string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read station template %s: %w", file, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	if e, ok := s.entries[file]; ok && e.hash == hash {
		s.lru.MoveToFront(e.element)
		tmpl := e.template
		s.mu.Unlock()
		return tmpl, hash, nil
	}
	s.mu.Unlock()

	tmpl, err := parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("invalid station template %s: %w", file, err)
	}

	s.mu.Lock()
	if e, ok := s.entries[file]; ok {
		e.hash = hash
		e.template = tmpl
		s.lru.MoveToFront(e.element)
	} else {
		e := &cacheEntry{hash: hash, template: tmpl}
		e.element = s.lru.PushFront(file)
		s.entries[file] = e
		for s.lru.Len() > s.capacity {
			oldest := s.lru.Back()
			s.lru.Remove(oldest)
			delete(s.entries, oldest.Value.(string))
		}
	}
	s.mu.Unlock()

	return tmpl, hash, nil
}

// Invalidate drops the cached entry for a file.
func (s *Store) Invalidate(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[file]; ok {
		s.lru.Remove(e.element)
		delete(s.entries, file)
	}
}

// Subscribe returns a channel delivering change events for watched files.
func (s *Store) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Watch starts watching a template file for changes. The first call spins up
// the shared fsnotify watcher.
func (s *Store) Watch(file string) error {
	var initErr error
	s.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			initErr = fmt.Errorf("failed to create template watcher: %w", err)
			return
		}
		s.watcher = w
		go s.watchLoop()
	})
	if initErr != nil {
		return initErr
	}
	// Watch the directory so editors replacing the file atomically are seen.
	if err := s.watcher.Add(filepath.Dir(file)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", file, err)
	}
	return nil
}

// Close tears down the watcher and subscriber channels.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	// Coalesce rapid events per file: a write burst triggers one reload.
	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex

	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			file := ev.Name
			pendingMu.Lock()
			if t, exists := pending[file]; exists {
				t.Reset(250 * time.Millisecond)
			} else {
				pending[file] = time.AfterFunc(250*time.Millisecond, func() {
					pendingMu.Lock()
					delete(pending, file)
					pendingMu.Unlock()
					s.fireChange(file)
				})
			}
			pendingMu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("Template watcher error", zap.Error(err))
		}
	}
}

func (s *Store) fireChange(file string) {
	s.Invalidate(file)
	_, hash, err := s.Load(file)
	if err != nil {
		s.log.Error("Failed to reload changed template",
			zap.String("file", file),
			zap.Error(err),
		)
		return
	}
	s.log.Info("Station template changed",
		zap.String("file", file),
		zap.String("hash", hash[:12]),
	)

	s.mu.Lock()
	subs := make([]chan ChangeEvent, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ChangeEvent{File: file, Hash: hash}:
		default:
			// Slow subscriber, drop rather than block the watch loop.
		}
	}
}
