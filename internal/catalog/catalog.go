// Package catalog is the implementation of the dataset catalog component.
// The catalog is responsible for loading and validating the list of dataset
// descriptors the pipeline is allowed to process.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"
)

// ErrInvalidCatalog is returned when the catalog file fails validation.
// It is fatal for the whole process: no datasets are attempted.
var ErrInvalidCatalog = errors.New("invalid dataset catalog")

// DefaultContentType is assumed when a descriptor does not declare one.
const DefaultContentType = "text/csv"

// Descriptor identifies one dataset to download, transform and load.
// Descriptors are immutable once the catalog has been loaded.
type Descriptor struct {
	ID          string `toml:"id"`
	URL         string `toml:"url"`
	ContentType string `toml:"content_type"`
	Table       string `toml:"table"`
}

// catalogFile is the structure of the catalog TOML file.
type catalogFile struct {
	Datasets []Descriptor `toml:"dataset"`
}

// Manager loads and watches the catalog file.
type Manager struct {
	path string

	mu       sync.RWMutex
	datasets []Descriptor
}

// tableNamePattern is the set of target table names we are willing to
// interpolate into DDL statements.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// New creates a new catalog manager for the given file path.
func New(path string) *Manager {
	return &Manager{path: path}
}

// Load reads the catalog from the configured file and updates the internal state.
func (m *Manager) Load() (err error) {
	defer decorate.OnError(&err, "could not load dataset catalog %s:", m.path)

	var file catalogFile
	if _, err := toml.DecodeFile(m.path, &file); err != nil {
		return err
	}

	datasets, err := validate(file.Datasets)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.datasets = datasets
	m.mu.Unlock()

	slog.Info("Dataset catalog loaded", "file", m.path, "datasets", len(datasets))
	return nil
}

// Datasets returns a copy of the loaded descriptors.
func (m *Manager) Datasets() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	datasets := make([]Descriptor, len(m.datasets))
	copy(datasets, m.datasets)
	return datasets
}

func validate(datasets []Descriptor) ([]Descriptor, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w: no datasets defined", ErrInvalidCatalog)
	}

	seen := make(map[string]struct{}, len(datasets))
	validated := make([]Descriptor, 0, len(datasets))
	for i, d := range datasets {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: dataset %d has no id", ErrInvalidCatalog, i)
		}
		if _, ok := seen[d.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate dataset id %q", ErrInvalidCatalog, d.ID)
		}
		seen[d.ID] = struct{}{}

		u, err := url.Parse(d.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: dataset %q has an invalid source URL %q", ErrInvalidCatalog, d.ID, d.URL)
		}

		if d.Table == "" {
			return nil, fmt.Errorf("%w: dataset %q has no target table", ErrInvalidCatalog, d.ID)
		}
		if !tableNamePattern.MatchString(d.Table) {
			return nil, fmt.Errorf("%w: dataset %q has an invalid target table name %q", ErrInvalidCatalog, d.ID, d.Table)
		}

		if d.ContentType == "" {
			d.ContentType = DefaultContentType
		}

		validated = append(validated, d)
	}

	return validated, nil
}

// Watch starts watching the catalog file for changes.
//
// It returns two channels: one for catalog changes which result in a successful load
// and another for unrecoverable watcher errors.
func (m *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errs <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	catalogDir, _ := filepath.Split(m.path)
	if catalogDir == "" {
		catalogDir = "."
	}
	if err := watcher.Add(catalogDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", catalogDir, err)
	}

	slog.Info("Watching catalog directory", "dir", catalogDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Catalog watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if event.Name != m.path {
					continue
				}

				slog.Debug("Catalog file changed. Reloading...")
				if err := m.Load(); err != nil {
					slog.Warn("Error reloading catalog", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				slog.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}
