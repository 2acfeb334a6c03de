package template

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

// ErrTemplateNotFound is returned when no template with the requested id is loaded.
var ErrTemplateNotFound = errors.New("template not found")

// Registry holds the loaded templates keyed by id. It can optionally watch its
// source directory and hot-reload changed files.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template

	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry rooted at dir.
func NewRegistry(dir string, logger zerolog.Logger) *Registry {
	return &Registry{
		templates: make(map[string]*Template),
		dir:       dir,
		logger:    logger.With().Str("component", "template_registry").Logger(),
	}
}

// Load reads every *.json file under the registry directory. A file that fails
// validation is skipped and logged; it does not abort the load.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("failed to read template directory %s: %w", r.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := r.loadFile(filepath.Join(r.dir, entry.Name())); err != nil {
			r.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping invalid template file")
			continue
		}
		loaded++
	}

	r.logger.Info().Int("count", loaded).Str("dir", r.dir).Msg("Templates loaded")
	return nil
}

func (r *Registry) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	tpl, err := Parse(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.templates[tpl.ID] = tpl
	r.mu.Unlock()
	return nil
}

// Put registers a template directly, bypassing the directory. Used by tests
// and by callers that provision templates programmatically.
func (r *Registry) Put(tpl *Template) {
	r.mu.Lock()
	r.templates[tpl.ID] = tpl
	r.mu.Unlock()
}

// Get returns the template with the given id.
func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	tpl, ok := r.templates[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tpl, nil
}

// Watch starts reloading template files as they change on disk. Sessions hold
// template ids, not pointers, so an in-flight session picks up a reloaded
// template on its next operation; the template-library collaborator guarantees
// in-use templates are not edited.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch template directory %s: %w", r.dir, err)
	}

	r.watcher = watcher
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFile(event.Name); err != nil {
					r.logger.Warn().Err(err).Str("file", event.Name).Msg("Failed to reload template")
					continue
				}
				r.logger.Info().Str("file", event.Name).Msg("Template reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error().Err(err).Msg("Template watcher error")
			case <-r.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	return r.watcher.Close()
}
