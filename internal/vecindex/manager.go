package vecindex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Key identifies one vector index.
type Key struct {
	Tenant    string
	Namespace string
	Version   string
}

func (k Key) String() string {
	return k.Tenant + "/" + k.Namespace + "/" + k.Version
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitize(s string) string {
	return unsafePathChars.ReplaceAllString(s, "-")
}

// Filename returns the index file name for a key, with path-unsafe
// characters replaced.
func (k Key) Filename() string {
	return fmt.Sprintf("%s_%s_%s.faiss",
		sanitize(k.Tenant), sanitize(k.Namespace), sanitize(k.Version))
}

// Manager caches open indices per key and keeps the cache honest when
// another process atomically replaces an index file. Each process
// loads its own copy from disk; the file is owned by whichever process
// is inside an atomic save.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[Key]*Flat
	byFile  map[string]Key
	watcher *fsnotify.Watcher
	done    chan struct{}
	closed  bool
}

// NewManager creates a manager rooted at dir. When watch is true,
// file events in dir invalidate cached indices.
func NewManager(dir string, watch bool, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	m := &Manager{
		dir:    dir,
		logger: logger,
		cache:  make(map[Key]*Flat),
		byFile: make(map[string]Key),
		done:   make(chan struct{}),
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create index watcher: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch index directory: %w", err)
		}
		m.watcher = watcher
		go m.watchLoop()
	}
	return m, nil
}

// Path returns the on-disk path for a key.
func (m *Manager) Path(key Key) string {
	return filepath.Join(m.dir, key.Filename())
}

// Dir returns the index directory.
func (m *Manager) Dir() string { return m.dir }

// Load returns the index for a key, loading it from disk when the
// file exists and constructing an empty one otherwise. The result is
// cached until invalidated.
func (m *Manager) Load(key Key, defaultDim int) (*Flat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.cache[key]; ok {
		return idx, nil
	}

	path := m.Path(key)
	var idx *Flat
	if _, err := os.Stat(path); err == nil {
		idx, err = LoadFlat(path)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("index_loaded",
			slog.String("key", key.String()),
			slog.Int64("ntotal", idx.Len()),
			slog.Int("dimension", idx.Dimension()))
	} else {
		idx = NewFlat(defaultDim)
		m.logger.Debug("index_created",
			slog.String("key", key.String()),
			slog.Int("dimension", defaultDim))
	}

	m.cache[key] = idx
	m.byFile[key.Filename()] = key
	return idx, nil
}

// Save persists a key's index atomically and keeps it cached.
func (m *Manager) Save(key Key, idx *Flat) error {
	if err := idx.Save(m.Path(key)); err != nil {
		return err
	}

	m.mu.Lock()
	m.cache[key] = idx
	m.byFile[key.Filename()] = key
	m.mu.Unlock()

	m.logger.Info("index_saved",
		slog.String("key", key.String()),
		slog.Int64("ntotal", idx.Len()))
	return nil
}

// Invalidate drops a key from the cache. The next Load rereads disk.
func (m *Manager) Invalidate(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	delete(m.byFile, key.Filename())
}

// Close stops the watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("index_watch_error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent invalidates the cached index whose file changed. The
// atomic save protocol surfaces as a Create or Rename of the final
// name; temp files are ignored.
func (m *Manager) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".faiss") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	m.mu.Lock()
	key, ok := m.byFile[name]
	if ok {
		delete(m.cache, key)
		delete(m.byFile, name)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("index_invalidated",
			slog.String("key", key.String()),
			slog.String("op", event.Op.String()))
	}
}
