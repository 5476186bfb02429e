// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkghost/pkghost/pkg/fspath"
)

type (
	// Call is one recorded transport operation.
	Call struct {
		// Op is "read", "fetch", "stat" or "readdir".
		Op      string
		Locator string
	}

	// MemTransport serves files from memory and records every call. Network
	// locators match with or without their query string. Downloads are
	// written to the real destination path.
	MemTransport struct {
		mu       sync.Mutex
		files    map[string]string
		binaries map[string][]byte
		failures map[string]error
		gates    map[string]chan struct{}
		calls    []Call
	}
)

// NewMemTransport returns an empty transport.
func NewMemTransport() *MemTransport {
	return &MemTransport{
		files:    map[string]string{},
		binaries: map[string][]byte{},
		failures: map[string]error{},
		gates:    map[string]chan struct{}{},
	}
}

// AddFile serves content at locator.
func (m *MemTransport) AddFile(locator, content string) *MemTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[locator] = content
	return m
}

// AddFiles serves every file in files, keyed relative to root.
func (m *MemTransport) AddFiles(root string, files map[string]string) *MemTransport {
	for rel, content := range files {
		m.AddFile(fspath.Join(root, rel), content)
	}
	return m
}

// AddBinary serves data to FetchBinary calls for url.
func (m *MemTransport) AddBinary(url string, data []byte) *MemTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binaries[url] = data
	return m
}

// Fail makes every read or fetch of locator return err.
func (m *MemTransport) Fail(locator string, err error) *MemTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[locator] = err
	return m
}

// Gate blocks reads of locator until the returned channel is closed.
func (m *MemTransport) Gate(locator string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.gates[locator] = ch
	return ch
}

// Calls returns the recorded calls in order.
func (m *MemTransport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Count returns how many times op was called for locator, ignoring queries.
func (m *MemTransport) Count(op, locator string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && fspath.StripQuery(c.Locator) == fspath.StripQuery(locator) {
			n++
		}
	}
	return n
}

func (m *MemTransport) record(op, locator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: op, Locator: locator})
}

func (m *MemTransport) lookup(locator string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fspath.StripQuery(locator)
	if err, ok := m.failures[key]; ok {
		return "", false, err
	}
	if content, ok := m.files[locator]; ok {
		return content, true, nil
	}
	content, ok := m.files[key]
	return content, ok, nil
}

// ReadText implements the runtime transport.
func (m *MemTransport) ReadText(ctx context.Context, locator string) (string, error) {
	m.record("read", locator)

	m.mu.Lock()
	gate := m.gates[fspath.StripQuery(locator)]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	content, ok, err := m.lookup(locator)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("read %s: %w", locator, fs.ErrNotExist)
	}
	return content, nil
}

// FetchBinary implements the runtime transport.
func (m *MemTransport) FetchBinary(_ context.Context, url, dest string) error {
	m.record("fetch", url)
	m.mu.Lock()
	key := fspath.StripQuery(url)
	failure := m.failures[key]
	data, ok := m.binaries[url]
	if !ok {
		data, ok = m.binaries[key]
	}
	m.mu.Unlock()
	if failure != nil {
		return failure
	}
	if !ok {
		return errors.New("GET " + url + ": 404 Not Found")
	}
	return os.WriteFile(dest, data, 0o644)
}

// IsFile implements the runtime transport. Real files on disk also count,
// so archives written by a download are visible.
func (m *MemTransport) IsFile(locator string) bool {
	m.record("stat", locator)
	if fspath.IsNetwork(locator) {
		return false
	}
	if _, ok, _ := m.lookup(locator); ok {
		return true
	}
	if fspath.IsArchive(locator) {
		return false
	}
	info, err := os.Stat(fspath.OSPath(locator))
	return err == nil && info.Mode().IsRegular()
}

// IsDir implements the runtime transport.
func (m *MemTransport) IsDir(locator string) bool {
	m.record("stat", locator)
	prefix := strings.TrimSuffix(locator, "/") + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.files {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ReadDir implements the runtime transport.
func (m *MemTransport) ReadDir(locator string) ([]string, error) {
	m.record("readdir", locator)
	prefix := strings.TrimSuffix(locator, "/") + "/"
	m.mu.Lock()
	defer m.mu.Unlock()
	var dirs []string
	found := false
	for name := range m.files {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		found = true
		if dir, _, nested := strings.Cut(rest, "/"); nested && !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	if !found {
		return nil, fmt.Errorf("readdir %s: %w", locator, fs.ErrNotExist)
	}
	slices.Sort(dirs)
	return dirs, nil
}
