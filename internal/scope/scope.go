// Package scope provides request-bound temporary filesystem resources that
// are removed exactly once when the request ends, on every exit path.
package scope

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"mediagw/internal/common/fsutil"
)

const dirPrefix = "req-"

var scopesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "mediagw",
	Name:      "scopes_open",
	Help:      "Request resource scopes currently holding temporary paths",
})

func init() {
	prometheus.MustRegister(scopesOpen)
}

// Manager hands out scopes rooted under a single output directory.
type Manager struct {
	root string
	open atomic.Int64
}

// NewManager ensures root exists and returns a Manager for it.
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		root = os.TempDir()
	}
	abs, err := fsutil.ResolveDir(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute output root.
func (m *Manager) Root() string { return m.root }

// Open reports the number of scopes acquired and not yet released.
func (m *Manager) Open() int { return int(m.open.Load()) }

// Acquire creates a fresh scope directory unique to this request.
func (m *Manager) Acquire() (*Scope, error) {
	dir := filepath.Join(m.root, dirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scope dir: %w", err)
	}
	m.open.Add(1)
	scopesOpen.Inc()
	return &Scope{mgr: m, dir: dir}, nil
}

// Sweep removes scope directories left behind by a previous process. It must
// only run before the first Acquire.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read output root: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) released() {
	m.open.Add(-1)
	scopesOpen.Dec()
}

// Scope owns every path it hands out. It is safe for concurrent use.
type Scope struct {
	mgr      *Manager
	dir      string
	mu       sync.Mutex
	paths    []string
	released bool
}

// Dir returns the scope's private directory.
func (s *Scope) Dir() string { return s.dir }

// NewPath returns a fresh, tracked path inside the scope. Nothing is created
// on disk; the caller or an external tool writes it.
func (s *Scope) NewPath(suffix string) string {
	p := filepath.Join(s.dir, uuid.NewString()+suffix)
	s.track(p)
	return p
}

// NewDir creates and tracks a named directory inside the scope.
func (s *Scope) NewDir(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid scope dir name %q", name)
	}
	p := filepath.Join(s.dir, name)
	if err := os.Mkdir(p, 0o700); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	s.track(p)
	return p, nil
}

// Write copies r into a new tracked file and returns its path.
func (s *Scope) Write(suffix string, r io.Reader) (string, error) {
	p := s.NewPath(suffix)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close staged file: %w", err)
	}
	return p, nil
}

func (s *Scope) track(p string) {
	s.mu.Lock()
	s.paths = append(s.paths, p)
	s.mu.Unlock()
}

// Paths returns the currently tracked paths.
func (s *Scope) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Remove deletes a path inside the scope ahead of Release and stops tracking
// it. Missing paths are not an error.
func (s *Scope) Remove(p string) error {
	if !s.contains(p) {
		return fmt.Errorf("path outside scope")
	}
	s.mu.Lock()
	for i, q := range s.paths {
		if q == p {
			s.paths = append(s.paths[:i], s.paths[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return removeAll(p)
}

func (s *Scope) contains(p string) bool {
	rel, err := filepath.Rel(s.dir, p)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// Release deletes every tracked path and the scope directory. It is
// idempotent; only the first call touches the filesystem.
func (s *Scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := removeAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := removeAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	s.mgr.released()
	return errors.Join(errs...)
}

func removeAll(p string) error {
	if err := os.RemoveAll(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
