// Package watch monitors the workspace for changes made outside the
// coordinator's write path. Foreign modifications invalidate the hash
// tracker and are published as file.external_change events, so staleness
// is detected without any manual cache invalidation.
package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/adalundhe/accord/core/events"
	"github.com/adalundhe/accord/core/hashing"
)

// DefaultDebounce is the interval events for the same path are coalesced over.
const DefaultDebounce = 100 * time.Millisecond

// selfWriteWindow is how long after a coordinator commit an fsnotify
// event for the same path is treated as our own write rather than a
// foreign one.
const selfWriteWindow = 2 * time.Second

var (
	ErrNoRootsConfigured = errors.New("no roots configured for watching")
	ErrRootNotExist      = errors.New("watch root does not exist")
	ErrRootNotDirectory  = errors.New("watch root is not a directory")
	ErrInvalidPattern    = errors.New("invalid ignore pattern")
)

// Config configures the monitor.
type Config struct {
	// Roots are the workspace directories to watch recursively.
	Roots []string

	// IgnorePatterns are glob patterns for paths to skip.
	IgnorePatterns []string

	// Debounce coalesces rapid events for the same path.
	Debounce time.Duration
}

// Monitor watches workspace roots and reports foreign file changes.
type Monitor struct {
	config   Config
	watcher  *fsnotify.Watcher
	ignores  []glob.Glob
	tracker  *hashing.Tracker
	bus      *events.Bus
	onChange func(path string)

	mu         sync.Mutex
	pending    map[string]*time.Timer
	selfWrites map[string]time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a monitor over cfg.Roots. Changes invalidate tracker
// entries, are published on bus, and are forwarded to onChange (which may
// be nil).
func NewMonitor(cfg Config, tracker *hashing.Tracker, bus *events.Bus, onChange func(path string)) (*Monitor, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	ignores, err := compilePatterns(cfg.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		config:     cfg,
		watcher:    watcher,
		ignores:    ignores,
		tracker:    tracker,
		bus:        bus,
		onChange:   onChange,
		pending:    make(map[string]*time.Timer),
		selfWrites: make(map[string]time.Time),
		done:       make(chan struct{}),
	}

	for _, root := range cfg.Roots {
		if err := m.watchRecursive(root); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	return m, nil
}

func validateConfig(cfg *Config) error {
	if len(cfg.Roots) == 0 {
		return ErrNoRootsConfigured
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	for _, root := range cfg.Roots {
		info, err := os.Stat(root)
		if err != nil {
			return ErrRootNotExist
		}
		if !info.IsDir() {
			return ErrRootNotDirectory
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, ErrInvalidPattern
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Start launches the event loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// SetOnChange installs the foreign-change callback. Called during wiring,
// before Start, to break the construction cycle with the coordinator.
func (m *Monitor) SetOnChange(fn func(path string)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// NoteInternalWrite marks a path as just written by the coordinator, so
// the resulting fsnotify event is not misreported as an external change.
// Wired as the coordinator's commit hook.
func (m *Monitor) NoteInternalWrite(path string) {
	m.mu.Lock()
	m.selfWrites[path] = time.Now()
	m.mu.Unlock()
}

// Close stops watching. Pending debounced events are discarded.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.watcher.Close()
		m.wg.Wait()

		m.mu.Lock()
		for _, timer := range m.pending {
			timer.Stop()
		}
		m.pending = make(map[string]*time.Timer)
		m.mu.Unlock()
	})
}

func (m *Monitor) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if m.ignored(path) {
			return filepath.SkipDir
		}
		return m.watcher.Add(path)
	})
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Monitor) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	path := filepath.Clean(event.Name)
	if m.ignored(path) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			_ = m.watchRecursive(path)
			return
		}
	}

	if m.isSelfWrite(path) {
		return
	}

	m.debounce(path)
}

func (m *Monitor) isSelfWrite(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	written, ok := m.selfWrites[path]
	if !ok {
		return false
	}
	if time.Since(written) > selfWriteWindow {
		delete(m.selfWrites, path)
		return false
	}
	return true
}

func (m *Monitor) debounce(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.pending[path]; ok {
		timer.Reset(m.config.Debounce)
		return
	}

	m.pending[path] = time.AfterFunc(m.config.Debounce, func() {
		m.mu.Lock()
		delete(m.pending, path)
		m.mu.Unlock()

		m.fire(path)
	})
}

func (m *Monitor) fire(path string) {
	select {
	case <-m.done:
		return
	default:
	}

	if m.tracker != nil {
		m.tracker.Invalidate(path)
	}

	m.mu.Lock()
	onChange := m.onChange
	m.mu.Unlock()
	if onChange != nil {
		onChange(path)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:         events.EventExternalChange,
			FilePath:     path,
			AbsolutePath: path,
			Timestamp:    time.Now(),
		})
	}
}

func (m *Monitor) ignored(path string) bool {
	slashed := filepath.ToSlash(path)
	base := filepath.Base(path)

	for _, ignore := range m.ignores {
		if ignore.Match(slashed) || ignore.Match(base) {
			return true
		}
	}
	return false
}
