package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Loader reads policies from disk. A .rego file holds one policy named after
// the file. A .json file holds either one Policy or a PolicyBundle, told
// apart by the bundle's policies field. Parsed files are cached by path
// until their modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cacheEntry
	watcher *fsnotify.Watcher
}

type cacheEntry struct {
	modTime  time.Time
	policies []Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// LoadFromPaths loads every policy file and directory in paths. A path that
// cannot be read fails the whole load; inside directories, broken files are
// logged and skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		policies = append(policies, loaded...)
	}

	l.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(paths)).
		Msg("Policies read")

	return policies, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		loaded, err := l.loadFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	return policies, err
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// loadFile returns the policies in one file. Callers get their own copy of
// the cached slice.
func (l *Loader) loadFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return append([]Policy(nil), entry.policies...), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{regoPolicy(path, data)}
	case ".json":
		if policies, err = jsonPolicies(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Int("policies", len(policies)).Msg("Policy file parsed")

	return append([]Policy(nil), policies...), nil
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

func regoPolicy(path string, data []byte) Policy {
	now := time.Now()
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityWarning,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func jsonPolicies(path string, data []byte) ([]Policy, error) {
	var shape struct {
		Policies json.RawMessage `json:"policies"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("invalid JSON policy %s: %w", path, err)
	}

	if shape.Policies == nil {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid JSON policy %s: %w", path, err)
		}
		if err := completePolicy(&p, path); err != nil {
			return nil, err
		}
		return []Policy{p}, nil
	}

	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("invalid policy bundle %s: %w", path, err)
	}
	if bundle.Name == "" {
		bundle.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	for i := range bundle.Policies {
		p := &bundle.Policies[i]
		if err := completePolicy(p, path); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", bundle.Name, err)
		}
		p.Metadata["bundle"] = bundle.Name
		if bundle.Version != "" {
			p.Metadata["bundle_version"] = bundle.Version
		}
	}
	return bundle.Policies, nil
}

// completePolicy checks a decoded policy and fills in defaults.
func completePolicy(p *Policy, source string) error {
	if p.Name == "" {
		return fmt.Errorf("JSON policy in %s has no name", source)
	}
	if p.Rego == "" {
		return fmt.Errorf("JSON policy %s has no rego", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	if _, ok := p.Metadata["source"]; !ok {
		p.Metadata["source"] = source
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return nil
}

// leadingComment joins the comment lines at the top of a Rego file.
// Blank comment lines are dropped.
func leadingComment(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if text := strings.TrimSpace(strings.TrimPrefix(line, "#")); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reload with a fresh load of paths whenever a policy file below
// them changes. Changes are debounced. Watching ends when ctx is done or
// StopWatching is called; a loader watches at most one set of paths.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, path := range paths {
		if err := addWatch(w, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		_ = w.Close()
		return errors.New("policy loader is already watching")
	}
	l.watcher = w
	l.mu.Unlock()

	go l.watchLoop(ctx, w, paths, reload)

	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

func addWatch(w *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(path)
	}
	return filepath.WalkDir(path, func(dir string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(dir)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, w *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		l.mu.Lock()
		if l.watcher == w {
			l.watcher = nil
		}
		l.mu.Unlock()
		if err := w.Close(); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to close policy watcher")
		}
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			l.forget(event.Name)

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := l.reload(ctx, paths, reload); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reload func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reload(policies); err != nil {
		return err
	}
	l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	return nil
}

// StopWatching stops the watcher started by Watch. Calling it again, or
// without a watcher, does nothing.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	w := l.watcher
	l.watcher = nil
	l.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}
