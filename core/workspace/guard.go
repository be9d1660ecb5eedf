// Package workspace enforces the path boundary for the coordinator: every
// requested path must resolve inside a permitted root before any lock is
// requested. This is a security invariant independent of concurrency.
package workspace

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

var (
	ErrPathTraversal     = errors.New("path traversal detected")
	ErrSymlinkNotAllowed = errors.New("symlink target outside boundary")
	ErrOutsideBoundary   = errors.New("path outside workspace root")
	ErrPathIgnored       = errors.New("path matches ignore pattern")
	ErrFileTooLarge      = errors.New("file size exceeds limit")
	ErrInvalidPattern    = errors.New("invalid ignore pattern")
)

// AccessType labels an audited operation.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
	AccessCheck AccessType = "check"
)

// AuditEntry records one access attempt with session attribution.
type AuditEntry struct {
	Timestamp    time.Time
	SessionID    string
	Access       AccessType
	Path         string
	ResolvedPath string
	Success      bool
	Error        string
}

// AuditLogger receives audit entries for every access attempt.
type AuditLogger interface {
	Log(entry AuditEntry)
}

// NoOpAuditLogger discards audit entries.
type NoOpAuditLogger struct{}

func (n *NoOpAuditLogger) Log(_ AuditEntry) {}

// SlogAuditLogger writes audit entries through a structured logger.
type SlogAuditLogger struct {
	Logger *slog.Logger
}

func (l *SlogAuditLogger) Log(entry AuditEntry) {
	l.Logger.Debug("file access",
		"session", entry.SessionID,
		"access", string(entry.Access),
		"path", entry.Path,
		"resolved", entry.ResolvedPath,
		"success", entry.Success,
		"error", entry.Error,
	)
}

// Config describes the permitted workspace.
type Config struct {
	Roots          []string
	IgnorePatterns []string
	AllowSymlinks  bool
	MaxFileSize    int64
	Audit          AuditLogger
}

// DefaultConfig permits the given roots with a 100MB size limit.
func DefaultConfig(roots ...string) Config {
	return Config{
		Roots:       roots,
		MaxFileSize: 100 * 1024 * 1024,
		Audit:       &NoOpAuditLogger{},
	}
}

// Guard validates paths against the workspace boundary. Safe for
// concurrent use.
type Guard struct {
	mu            sync.RWMutex
	config        Config
	resolvedRoots []string
	ignores       []glob.Glob
}

// NewGuard resolves the configured roots and compiles ignore patterns.
func NewGuard(config Config) (*Guard, error) {
	resolved, err := resolveRoots(config.Roots)
	if err != nil {
		return nil, err
	}

	ignores, err := compileIgnores(config.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	if config.Audit == nil {
		config.Audit = &NoOpAuditLogger{}
	}

	return &Guard{
		config:        config,
		resolvedRoots: resolved,
		ignores:       ignores,
	}, nil
}

func resolveRoots(roots []string) ([]string, error) {
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, filepath.Clean(abs))
	}
	return resolved, nil
}

func compileIgnores(patterns []string) ([]glob.Glob, error) {
	ignores := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, ErrInvalidPattern
		}
		ignores = append(ignores, g)
	}
	return ignores, nil
}

// Resolve validates path for the given access and returns its absolute,
// cleaned form. Failures are audited before they are returned.
func (g *Guard) Resolve(sessionID string, access AccessType, path string) (string, error) {
	resolved, err := g.resolvePath(path)
	if err != nil {
		g.RecordAccess(sessionID, access, path, "", false, err.Error())
		return "", err
	}

	if err := g.checkBoundary(resolved); err != nil {
		g.RecordAccess(sessionID, access, path, resolved, false, err.Error())
		return "", err
	}

	if err := g.checkSymlink(resolved); err != nil {
		g.RecordAccess(sessionID, access, path, resolved, false, err.Error())
		return "", err
	}

	if g.Ignored(resolved) {
		g.RecordAccess(sessionID, access, path, resolved, false, ErrPathIgnored.Error())
		return "", ErrPathIgnored
	}

	return resolved, nil
}

func (g *Guard) resolvePath(path string) (string, error) {
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func (g *Guard) checkBoundary(resolved string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, root := range g.resolvedRoots {
		if isWithinRoot(resolved, root) {
			return nil
		}
	}
	return ErrOutsideBoundary
}

func isWithinRoot(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func (g *Guard) checkSymlink(path string) error {
	if g.config.AllowSymlinks {
		return nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return g.validateSymlinkTarget(path)
	}

	return nil
}

func (g *Guard) validateSymlinkTarget(path string) error {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return err
	}

	if err := g.checkBoundary(target); err != nil {
		return ErrSymlinkNotAllowed
	}

	return nil
}

// Ignored reports whether the resolved path matches an ignore pattern.
func (g *Guard) Ignored(resolved string) bool {
	slashed := filepath.ToSlash(resolved)
	base := filepath.Base(resolved)

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, ignore := range g.ignores {
		if ignore.Match(slashed) || ignore.Match(base) {
			return true
		}
	}
	return false
}

// CheckSize rejects contents larger than the configured limit.
func (g *Guard) CheckSize(size int64) error {
	if g.config.MaxFileSize > 0 && size > g.config.MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// IsEscapeError reports whether err is a boundary violation, as opposed
// to an I/O failure during validation.
func IsEscapeError(err error) bool {
	return errors.Is(err, ErrPathTraversal) ||
		errors.Is(err, ErrSymlinkNotAllowed) ||
		errors.Is(err, ErrOutsideBoundary) ||
		errors.Is(err, ErrPathIgnored)
}

// RecordAccess forwards an audit entry to the configured logger.
func (g *Guard) RecordAccess(sessionID string, access AccessType, path, resolved string, success bool, errMsg string) {
	g.mu.RLock()
	logger := g.config.Audit
	g.mu.RUnlock()

	if logger == nil {
		return
	}

	logger.Log(AuditEntry{
		Timestamp:    time.Now(),
		SessionID:    sessionID,
		Access:       access,
		Path:         path,
		ResolvedPath: resolved,
		Success:      success,
		Error:        errMsg,
	})
}

// AddRoot permits an additional workspace root.
func (g *Guard) AddRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.resolvedRoots = append(g.resolvedRoots, filepath.Clean(abs))
	g.config.Roots = append(g.config.Roots, root)
	return nil
}

// Roots returns the resolved workspace roots.
func (g *Guard) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	roots := make([]string, len(g.resolvedRoots))
	copy(roots, g.resolvedRoots)
	return roots
}
