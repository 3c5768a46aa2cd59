// Package stubtest runs the collaborator stub on an httptest server.
package stubtest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xiaot623/gridview/internal/backend"
	"github.com/xiaot623/gridview/internal/devstub"
)

// Stub is a running stub with its store exposed for seeding.
type Stub struct {
	*devstub.Server
	Store *devstub.Store
	HTTP  *httptest.Server
}

// Start serves a stub backed by an in-memory store unless opts.Store is
// set. Everything is torn down with the test.
func Start(t testing.TB, opts devstub.Options) *Stub {
	t.Helper()

	if opts.Store == nil {
		store, err := devstub.OpenStore(":memory:")
		if err != nil {
			t.Fatalf("open stub store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		opts.Store = store
	}

	srv := devstub.NewServer(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
	})

	return &Stub{Server: srv, Store: opts.Store, HTTP: hs}
}

// URL is the base URL of every HTTP collaborator.
func (s *Stub) URL() string { return s.HTTP.URL }

// WSURL is the base URL of the push service.
func (s *Stub) WSURL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http")
}

// Endpoints points every collaborator at the stub.
func (s *Stub) Endpoints() backend.Endpoints {
	return backend.Endpoints{Chat: s.URL(), Monitoring: s.URL(), Devices: s.URL()}
}
