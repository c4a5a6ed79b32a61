package prompts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// libraryEntry is one fragment as written in a library file.
type libraryEntry struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Content     string `yaml:"content" json:"content"`
	Category    string `yaml:"category" json:"category"`
	Section     string `yaml:"section" json:"section"`
	Enabled     *bool  `yaml:"enabled" json:"enabled"`
}

type libraryFile struct {
	Fragments []libraryEntry `yaml:"fragments" json:"fragments"`
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func (e libraryEntry) fragment() (*Fragment, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return nil, errors.New("fragment name is required")
	}
	if strings.TrimSpace(e.Content) == "" {
		return nil, fmt.Errorf("fragment %q has no content", name)
	}
	id := strings.TrimSpace(e.ID)
	if id == "" {
		id = strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	}
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}
	return &Fragment{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(e.Description),
		Content:     e.Content,
		Category:    e.Category,
		Section:     e.Section,
		Enabled:     enabled,
	}, nil
}

// ParseLibraryFile decodes fragments from a YAML, JSON or JSON5 document. A
// document is either a single fragment or a "fragments" list.
func ParseLibraryFile(data []byte, path string) ([]*Fragment, error) {
	var (
		file   libraryFile
		single libraryEntry
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(file.Fragments) == 0 {
			if err := json5.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if len(file.Fragments) == 0 {
			if err := yaml.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if len(file.Fragments) == 0 {
		file.Fragments = []libraryEntry{single}
	}

	out := make([]*Fragment, 0, len(file.Fragments))
	for i, entry := range file.Fragments {
		f, err := entry.fragment()
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func isLibraryFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".json5":
		return true
	}
	return false
}

// ImportReport summarizes a library import.
type ImportReport struct {
	Files     int
	Fragments int
	Errors    []error
}

// ImportDir upserts every fragment found in library files under dir.
// Unparseable files are reported and skipped.
func ImportDir(ctx context.Context, store Store, dir string) (ImportReport, error) {
	var report ImportReport
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isLibraryFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		fragments, err := ParseLibraryFile(data, path)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Files++
		for _, f := range fragments {
			if _, err := store.Upsert(ctx, f); err != nil {
				return report, err
			}
			report.Fragments++
		}
	}
	return report, nil
}

// LibraryWatcher re-imports a fragment directory whenever its files change.
// Content changes re-arm embedding through the store.
type LibraryWatcher struct {
	store    Store
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	// OnImport, when set, is called after each import with its report.
	OnImport func(ImportReport)
}

// NewLibraryWatcher creates a watcher for dir.
func NewLibraryWatcher(store Store, dir string, logger *slog.Logger) *LibraryWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LibraryWatcher{
		store:    store,
		dir:      dir,
		debounce: 250 * time.Millisecond,
		logger:   logger.With("component", "prompts.library"),
	}
}

// Run imports the directory once, then watches it until ctx is done.
func (w *LibraryWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.importNow(ctx)

	var (
		mu    sync.Mutex
		timer *time.Timer
		wg    sync.WaitGroup
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		wg.Add(1)
		timer = time.AfterFunc(w.debounce, func() {
			defer wg.Done()
			w.importNow(ctx)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil && timer.Stop() {
			wg.Done()
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isLibraryFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("library watch error", "error", err)
		}
	}
}

func (w *LibraryWatcher) importNow(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := ImportDir(ctx, w.store, w.dir)
	if err != nil {
		w.logger.Error("fragment library import failed", "dir", w.dir, "error", err)
		return
	}
	for _, ferr := range report.Errors {
		w.logger.Warn("skipped fragment library file", "error", ferr)
	}
	w.logger.Info("fragment library imported", "files", report.Files, "fragments", report.Fragments)
	if w.OnImport != nil {
		w.OnImport(report)
	}
}
