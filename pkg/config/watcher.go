package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeEvent is delivered when the watched declarations change.
type ChangeEvent struct {
	// Declarations are the reloaded declarations, nil when Err is set.
	Declarations *Declarations

	// Err is the load error of the changed sources.
	Err error

	OldHash string
	NewHash string
	Time    time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long sources must be quiet before a reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher reloads declarations when CUE sources change. Directories
// containing watched files are watched so editors' atomic saves are seen.
type Watcher struct {
	parser   *CUEParser
	sources  []string
	debounce time.Duration
	logger   zerolog.Logger
	onChange func(ChangeEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu      sync.Mutex
	pending time.Time
}

// NewWatcher creates a watcher over sources. onChange runs on the watcher
// goroutine whenever the content of the CUE sources changes.
func NewWatcher(parser *CUEParser, sources []string, onChange func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		parser:   parser,
		sources:  sources,
		debounce: 500 * time.Millisecond,
		logger:   zerolog.Nop(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching.
func (w *Watcher) Start() error {
	hash, err := w.hash()
	if err != nil {
		return fmt.Errorf("watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dirs, err := w.dirs()
	if err != nil {
		_ = fsw.Close()
		return err
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watcher: watch %s: %w", dir, err)
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher. It is safe to call Stop multiple times.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".cue") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	ready := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
	if ready {
		w.pending = time.Time{}
	}
	w.mu.Unlock()

	if ready {
		w.processChange()
	}
}

// processChange reloads the sources if their content actually changed.
func (w *Watcher) processChange() {
	newHash, err := w.hash()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to hash sources")
		return
	}
	if newHash == w.lastHash {
		w.logger.Debug().Msg("Sources unchanged, skipping reload")
		return
	}

	oldHash := w.lastHash
	w.lastHash = newHash

	w.logger.Info().Str("old_hash", oldHash[:8]).Str("new_hash", newHash[:8]).Msg("Declarations changed")

	decls, err := w.parser.Load(context.Background(), w.sources)
	w.onChange(ChangeEvent{
		Declarations: decls,
		Err:          err,
		OldHash:      oldHash,
		NewHash:      newHash,
		Time:         time.Now(),
	})
}

// dirs returns the directories to watch.
func (w *Watcher) dirs() ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string
	for _, source := range w.sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("watcher: %w", err)
		}
		dir := source
		if !info.IsDir() {
			dir = filepath.Dir(source)
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// hash digests the names and contents of every CUE source.
func (w *Watcher) hash() (string, error) {
	var files []string
	for _, source := range w.sources {
		info, err := os.Stat(source)
		if err != nil {
			return "", err
		}
		if !info.IsDir() {
			files = append(files, source)
			continue
		}
		found, err := w.parser.LoadFromDirectory(source)
		if err != nil {
			return "", err
		}
		files = append(files, found...)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		h.Write([]byte(file))
		h.Write([]byte{0})
		h.Write(content)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
