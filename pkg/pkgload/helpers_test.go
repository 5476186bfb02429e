// SPDX-License-Identifier: MPL-2.0

package pkgload_test

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/pkghost/pkghost/internal/testutil"
	"github.com/pkghost/pkghost/pkg/pkgload"
)

// syncBuffer is a log sink safe for the registry's background fetches.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRegistry(t *testing.T, tr pkgload.Transport, opts ...pkgload.Option) *pkgload.Registry {
	t.Helper()
	base := []pkgload.Option{
		pkgload.WithLogger(log.New(io.Discard)),
		pkgload.WithTempDir(t.TempDir()),
	}
	return pkgload.NewRegistry(tr, append(base, opts...)...)
}

func newLoggedRegistry(t *testing.T, tr pkgload.Transport, opts ...pkgload.Option) (*pkgload.Registry, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	logger := log.NewWithOptions(buf, log.Options{Level: log.DebugLevel})
	return newRegistry(t, tr, append([]pkgload.Option{pkgload.WithLogger(logger)}, opts...)...), buf
}

func recordByPath(t *testing.T, reg *pkgload.Registry, path string) pkgload.PackageRecord {
	t.Helper()
	for _, rec := range reg.Records() {
		if rec.Path == path {
			return rec
		}
	}
	t.Fatalf("no record for %s", path)
	return pkgload.PackageRecord{}
}

var _ pkgload.Transport = (*testutil.MemTransport)(nil)
