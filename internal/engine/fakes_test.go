package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kuitang/notesync/internal/api"
	"github.com/kuitang/notesync/internal/connectivity"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/remote"
	"github.com/kuitang/notesync/internal/syncstate"
)

// call records one request made to the fake remote.
type call struct {
	Method string
	ID     int64
	Key    string
}

// fakeRemote serves requests from an in-memory api.Service and lets tests
// inject failures or block calls.
type fakeRemote struct {
	svc *api.Service

	mu    sync.Mutex
	calls []call
	fail  func(c call) error
	block func(c call) <-chan struct{}
}

var _ remote.Store = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{svc: api.NewService()}
}

func (f *fakeRemote) setFail(fn func(c call) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeRemote) setBlock(fn func(c call) <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = fn
}

func (f *fakeRemote) callsFor(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) enter(ctx context.Context, method string, id int64) error {
	c := call{Method: method, ID: id, Key: remote.IdempotencyKeyFrom(ctx)}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail, block := f.fail, f.block
	f.mu.Unlock()

	if block != nil {
		if ch := block(c); ch != nil {
			<-ch
		}
	}
	if fail != nil {
		return fail(c)
	}
	return nil
}

func (f *fakeRemote) Create(ctx context.Context, input notes.NoteInput) (notes.Note, error) {
	if err := f.enter(ctx, "create", 0); err != nil {
		return notes.Note{}, err
	}
	w, err := f.svc.Create(input, remote.IdempotencyKeyFrom(ctx))
	if err != nil {
		return notes.Note{}, err
	}
	return w.Note(), nil
}

func (f *fakeRemote) Update(ctx context.Context, id int64, patch notes.NotePatch) (notes.Note, error) {
	if err := f.enter(ctx, "update", id); err != nil {
		return notes.Note{}, err
	}
	w, err := f.svc.Update(id, patch)
	if err != nil {
		return notes.Note{}, err
	}
	return w.Note(), nil
}

func (f *fakeRemote) Delete(ctx context.Context, id int64, permanent bool) error {
	if err := f.enter(ctx, "delete", id); err != nil {
		return err
	}
	return f.svc.Delete(id, permanent)
}

// List reads the server before blocking, so a blocked list returns what the
// server held when the request arrived.
func (f *fakeRemote) List(ctx context.Context) ([]notes.Note, error) {
	list := f.svc.List()
	if err := f.enter(ctx, "list", 0); err != nil {
		return nil, err
	}
	out := make([]notes.Note, 0, len(list))
	for _, w := range list {
		out = append(out, w.Note())
	}
	return out, nil
}

func (f *fakeRemote) Get(ctx context.Context, id int64) (notes.Note, error) {
	if err := f.enter(ctx, "get", id); err != nil {
		return notes.Note{}, err
	}
	w, err := f.svc.Get(id)
	if err != nil {
		return notes.Note{}, err
	}
	return w.Note(), nil
}

// fakeClock advances one second per reading so ordering is deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	engine *Engine
	remote *fakeRemote
	oracle *connectivity.Manual
	store  *syncstate.MemoryStore

	authMu   sync.Mutex
	authErrs []error
}

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
	Cleanup(func())
}

type harnessOption func(*Config)

func withAutoSync() harnessOption {
	return func(c *Config) { c.ManualSync = false }
}

func withStore(s *syncstate.MemoryStore) harnessOption {
	return func(c *Config) { c.Store = s }
}

func withRemote(r *fakeRemote) harnessOption {
	return func(c *Config) { c.Remote = r }
}

func newHarness(t testingT, online bool, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		remote: newFakeRemote(),
		oracle: connectivity.NewManual(online),
		store:  syncstate.NewMemoryStore(),
	}
	h.build(t, opts...)
	return h
}

// restart opens a second engine over the same store and server, as a new
// process would after the first one exited.
func (h *harness) restart(t testingT, opts ...harnessOption) *harness {
	t.Helper()
	h.engine.Close()
	next := &harness{remote: h.remote, oracle: h.oracle, store: h.store}
	next.build(t, opts...)
	return next
}

func (h *harness) build(t testingT, opts ...harnessOption) {
	t.Helper()
	cfg := Config{
		Remote:     h.remote,
		Oracle:     h.oracle,
		Store:      h.store,
		Clock:      newFakeClock().Now,
		ManualSync: true,
		AuthHook: func(err error) {
			h.authMu.Lock()
			defer h.authMu.Unlock()
			h.authErrs = append(h.authErrs, err)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if s, ok := cfg.Store.(*syncstate.MemoryStore); ok {
		h.store = s
	}
	if r, ok := cfg.Remote.(*fakeRemote); ok {
		h.remote = r
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	h.engine = e
}

func (h *harness) authFailures() int {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return len(h.authErrs)
}

// seed creates a note directly on the server and refreshes the mirror.
func (h *harness) seed(t testingT, title string) notes.Identity {
	t.Helper()
	w, err := h.remote.svc.Create(notes.NoteInput{Title: title}, "")
	require.NoError(t, err)
	if h.oracle.IsOnline() {
		_, err = h.engine.Refresh(context.Background())
		require.NoError(t, err)
	}
	return notes.RemoteID(w.ID)
}
