package mocks

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

// MemFS implements capability.Filesystem in memory.
type MemFS struct {
	// WriteHook runs before every write; a non-nil error fails the write.
	WriteHook func(path string, n int) error

	mu     sync.Mutex
	files  map[string][]byte
	writes int
}

// NewMemFS creates a filesystem holding files.
func NewMemFS(files map[string]string) *MemFS {
	m := &MemFS{files: make(map[string][]byte, len(files))}
	for p, c := range files {
		m.files[p] = []byte(c)
	}
	return m
}

// Read implements capability.Filesystem.
func (m *MemFS) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Write implements capability.Filesystem.
func (m *MemFS) Write(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.WriteHook != nil {
		if err := m.WriteHook(path, m.writes); err != nil {
			return err
		}
	}
	m.files[path] = append([]byte(nil), data...)
	return nil
}

// Remove implements capability.Filesystem.
func (m *MemFS) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

// List implements capability.Filesystem.
func (m *MemFS) List(_ context.Context, dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists implements capability.Filesystem.
func (m *MemFS) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

// Files returns a copy of the content map.
func (m *MemFS) Files() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.files))
	for p, c := range m.files {
		out[p] = string(c)
	}
	return out
}
