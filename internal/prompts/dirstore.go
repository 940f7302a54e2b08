package prompts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DirTemplateStore reads templates from files in a directory and caches them.
// After Watch, edits to the directory invalidate the cached copy.
type DirTemplateStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]string

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDirTemplateStore creates a store over dir. The directory does not have to exist.
func NewDirTemplateStore(dir string, logger *zap.Logger) *DirTemplateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirTemplateStore{
		dir:    dir,
		logger: logger.Named("templates"),
		cache:  make(map[string]string),
	}
}

// Dir returns the directory backing the store.
func (s *DirTemplateStore) Dir() string { return s.dir }

// Read implements TemplateStore.
func (s *DirTemplateStore) Read(ctx context.Context, ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("invalid template ref %q", ref)
	}

	s.mu.RLock()
	content, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return "", &TemplateNotFoundError{Ref: ref}
	}
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", ref, err)
	}

	content = string(data)
	s.mu.Lock()
	s.cache[ref] = content
	s.mu.Unlock()
	return content, nil
}

// Invalidate drops ref from the cache. An empty ref clears everything.
func (s *DirTemplateStore) Invalidate(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == "" {
		s.cache = make(map[string]string)
		return
	}
	delete(s.cache, ref)
}

// Watch starts invalidating cached templates when files in the directory change.
func (s *DirTemplateStore) Watch() error {
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.eventLoop()

	s.logger.Info("watching template directory", zap.String("dir", s.dir))
	return nil
}

// Close stops the watcher if one is running.
func (s *DirTemplateStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

func (s *DirTemplateStore) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				ref := filepath.Base(event.Name)
				s.Invalidate(ref)
				s.logger.Debug("template changed", zap.String("ref", ref), zap.String("op", event.Op.String()))
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("template watcher error", zap.Error(err))
		}
	}
}
