package persona

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loopcore/agentd/internal/logging"
)

// Loader manages loading and hot-reloading of persona definitions.
// Built-ins are always present; files in the persona directory override
// built-ins with the same ID.
type Loader struct {
	mu        sync.RWMutex
	personas  map[string]*Persona // id -> persona
	files     map[string]string   // file path -> persona id
	dir       string
	watcher   *fsnotify.Watcher
	onChange  func()
	cancelCtx context.CancelFunc
}

// NewLoader creates a persona loader for the given directory. The directory
// may be empty or missing; built-ins still load.
func NewLoader(dir string) *Loader {
	return &Loader{
		personas: make(map[string]*Persona),
		files:    make(map[string]string),
		dir:      dir,
	}
}

// LoadAll loads built-ins and then every *.yaml file in the directory.
func (l *Loader) LoadAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.personas = make(map[string]*Persona)
	l.files = make(map[string]string)
	for _, p := range Builtins() {
		l.personas[p.ID] = p
	}

	if l.dir == "" {
		return nil
	}
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read persona directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPersonaFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			logging.Errorf("[persona] Skipping %s: %v", path, err)
		}
	}

	logging.Infof("[persona] Loaded %d personas from %s", len(l.personas), l.dir)
	return nil
}

// loadFile loads a single persona file (must hold lock)
func (l *Loader) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	l.personas[p.ID] = p
	l.files[path] = p.ID
	logging.Debugf("[persona] Loaded persona: %s", p.ID)
	return nil
}

// Watch starts watching the persona directory for changes.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	ctx, cancel := context.WithCancel(ctx)
	l.cancelCtx = cancel

	go l.watchLoop(ctx)

	if err := l.watcher.Add(l.dir); err != nil {
		// Directory might not exist yet
		logging.Debugf("[persona] Could not watch %s: %v", l.dir, err)
	}
	return nil
}

func (l *Loader) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[persona] Watch error: %v", err)
		}
	}
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	if !isPersonaFile(filepath.Base(event.Name)) {
		return
	}

	logging.Debugf("[persona] File event: %s %s", event.Op, event.Name)

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write,
		event.Op&fsnotify.Create == fsnotify.Create:
		l.mu.Lock()
		if err := l.loadFile(event.Name); err != nil {
			logging.Errorf("[persona] Error reloading %s: %v", event.Name, err)
		}
		l.mu.Unlock()

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		l.mu.Lock()
		if id, ok := l.files[event.Name]; ok {
			delete(l.files, event.Name)
			delete(l.personas, id)
			// A removed override falls back to the built-in if one exists
			for _, p := range Builtins() {
				if p.ID == id {
					l.personas[id] = p
					break
				}
			}
			logging.Infof("[persona] Unloaded persona file: %s", event.Name)
		}
		l.mu.Unlock()
	}

	if l.onChange != nil {
		l.onChange()
	}
}

// OnChange sets a callback for when personas are loaded or unloaded.
func (l *Loader) OnChange(fn func()) {
	l.onChange = fn
}

// Stop ends directory watching.
func (l *Loader) Stop() {
	if l.cancelCtx != nil {
		l.cancelCtx()
	}
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// Get returns a persona by ID.
func (l *Loader) Get(id string) (*Persona, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.personas[id]
	return p, ok
}

// List returns all personas sorted by ID.
func (l *Loader) List() []*Persona {
	l.mu.RLock()
	defer l.mu.RUnlock()

	personas := make([]*Persona, 0, len(l.personas))
	for _, p := range l.personas {
		personas = append(personas, p)
	}
	sort.Slice(personas, func(i, j int) bool {
		return personas[i].ID < personas[j].ID
	})
	return personas
}

func isPersonaFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
