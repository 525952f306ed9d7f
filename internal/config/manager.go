package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked after a watched file changes and revalidates.
type ReloadHandler func(path string) error

// Validator checks a changed file before handlers run. Returning an error
// keeps the previous configuration in effect.
type Validator func(path string) error

// Manager watches configuration files and triggers reloads. fsnotify covers
// the common case; a polling fallback catches filesystems that do not emit
// events, such as some container bind mounts.
type Manager struct {
	mu         sync.RWMutex
	watched    map[string][32]byte // path -> content hash
	handlers   map[string][]ReloadHandler
	validators map[string][]Validator

	watcher      *fsnotify.Watcher
	pollInterval time.Duration
	debounce     time.Duration
	pending      map[string]*time.Timer

	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. Call Watch to register files, then Start.
func NewManager(logger *zap.Logger) (*Manager, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Manager{
		watched:      make(map[string][32]byte),
		handlers:     make(map[string][]ReloadHandler),
		validators:   make(map[string][]Validator),
		watcher:      w,
		pollInterval: 30 * time.Second,
		debounce:     500 * time.Millisecond,
		pending:      make(map[string]*time.Timer),
		logger:       logger,
		done:         make(chan struct{}),
	}, nil
}

// Watch registers a file for change notification. The containing directory
// is watched rather than the file itself so atomic rename-into-place updates
// (the usual editor and configmap behavior) are seen.
func (m *Manager) Watch(path string, handler ReloadHandler) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watched[abs]; !ok {
		if err := m.watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
		}
		m.watched[abs] = hashFile(abs)
	}
	if handler != nil {
		m.handlers[abs] = append(m.handlers[abs], handler)
	}
	return nil
}

// RegisterValidator adds a pre-reload check for a watched file.
func (m *Manager) RegisterValidator(path string, v Validator) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[abs] = append(m.validators[abs], v)
}

// Start begins watching. It returns immediately; reloads run on background
// goroutines until Stop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop halts watching and waits for the loop to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	m.watcher.Close()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.scheduleReload(ev.Name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		case <-ticker.C:
			m.pollAll()
		}
	}
}

// scheduleReload debounces bursts of events for the same file. Editors and
// atomic writers commonly emit several events per save.
func (m *Manager) scheduleReload(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watched[abs]; !ok {
		return
	}
	if t, ok := m.pending[abs]; ok {
		t.Stop()
	}
	m.pending[abs] = time.AfterFunc(m.debounce, func() {
		m.reload(abs)
	})
}

// pollAll compares content hashes for every watched file. This is the
// fallback path for filesystems where fsnotify is unreliable.
func (m *Manager) pollAll() {
	m.mu.RLock()
	paths := make([]string, 0, len(m.watched))
	for p := range m.watched {
		paths = append(paths, p)
	}
	m.mu.RUnlock()

	for _, p := range paths {
		m.reload(p)
	}
}

func (m *Manager) reload(path string) {
	newHash := hashFile(path)

	m.mu.Lock()
	oldHash, ok := m.watched[path]
	if !ok || newHash == oldHash {
		m.mu.Unlock()
		return
	}
	validators := append([]Validator(nil), m.validators[path]...)
	handlers := append([]ReloadHandler(nil), m.handlers[path]...)
	m.mu.Unlock()

	for _, v := range validators {
		if err := v(path); err != nil {
			m.logger.Warn("Config change rejected, keeping previous",
				zap.String("path", path),
				zap.Error(err),
			)
			return
		}
	}

	m.mu.Lock()
	m.watched[path] = newHash
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(path); err != nil {
			m.logger.Error("Config reload handler failed",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
	}
	m.logger.Info("Configuration reloaded", zap.String("path", path))
}

func hashFile(path string) [32]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}
	}
	return sha256.Sum256(data)
}
