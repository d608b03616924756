// Package engine is the offline-first sync core: it routes every write either
// to the notes API or into the pending log, presents the merged view, and
// replays the log when connectivity returns.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/kuitang/notesync/internal/connectivity"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/oplog"
	"github.com/kuitang/notesync/internal/remote"
	"github.com/kuitang/notesync/internal/syncstate"
	"github.com/kuitang/notesync/internal/view"
)

// Config wires the engine to its collaborators.
type Config struct {
	Remote remote.Store
	Oracle connectivity.Oracle

	// Store persists state. Nil keeps state in memory only.
	Store syncstate.Store

	// AuthHook is called whenever the notes API rejects the credentials.
	AuthHook func(error)

	// Clock stamps offline notes and pending ops. Nil uses time.Now.
	Clock func() time.Time

	// ManualSync disables the automatic pass on offline→online transitions.
	ManualSync bool
}

// Status summarises the engine for display.
type Status struct {
	Online       bool       `json:"online"`
	Running      bool       `json:"running"`
	Pending      int        `json:"pending"`
	OfflineNotes int        `json:"offline_notes"`
	Translations int        `json:"translations"`
	LastSyncAt   time.Time  `json:"last_sync_at,omitempty"`
	LastResult   SyncResult `json:"last_result"`
	LastError    string     `json:"last_error,omitempty"`
}

// Engine owns the sync state. All methods are safe for concurrent use.
type Engine struct {
	remote   remote.Store
	oracle   connectivity.Oracle
	store    syncstate.Store
	authHook func(error)
	now      func() time.Time
	logger   *slog.Logger

	// mu guards state and the bookkeeping below. It is never held across a
	// call to the notes API.
	mu         sync.Mutex
	state      *syncstate.State
	version    uint64
	closed     bool
	lastSyncAt time.Time
	lastResult SyncResult
	lastErr    error

	saveMu       sync.Mutex
	savedVersion uint64

	machine  *fsm.FSM
	wg       sync.WaitGroup
	unlisten func()
}

// New loads persisted state and subscribes to connectivity changes.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("engine: remote store is required")
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("engine: connectivity oracle is required")
	}
	store := cfg.Store
	if store == nil {
		store = syncstate.NewMemoryStore()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	state, err := store.Load(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "load sync state", err)
	}
	state.Log.SetClock(now)

	e := &Engine{
		remote:   cfg.Remote,
		oracle:   cfg.Oracle,
		store:    store,
		authHook: cfg.AuthHook,
		now:      now,
		logger:   obs.Pkg("engine"),
		state:    state,
		machine:  newMachine(),
	}

	if err := e.migrateLegacy(ctx); err != nil {
		return nil, err
	}

	if !cfg.ManualSync {
		e.unlisten = cfg.Oracle.OnBecameOnline(e.syncInBackground)
	}
	return e, nil
}

// Close stops reacting to connectivity changes and waits for background
// passes to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.unlisten != nil {
		e.unlisten()
	}
	e.wg.Wait()
	return nil
}

func (e *Engine) syncInBackground() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx := context.Background()
		if _, err := e.Sync(ctx); err != nil {
			e.logger.Warn("background_sync_failed", "error", err)
		}
	}()
}

// Notes returns the presented view, including notes pending deletion.
// It is recomputed on every call.
func (e *Engine) Notes() []notes.Note {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() []notes.Note {
	return view.Merge(e.state.Mirror.List(), e.state.Offline.List(), e.state.IDs.Resolve)
}

// Note returns a single note from the view. When online and the note lives
// remotely with nothing queued for it, it is re-fetched first.
func (e *Engine) Note(ctx context.Context, id notes.Identity) (notes.Note, error) {
	e.mu.Lock()
	target := e.normalizeLocked(id)
	refetch := target.IsRemote() && !e.pendingForRemoteLocked(target.Remote())
	e.mu.Unlock()

	if refetch && e.oracle.IsOnline() {
		n, err := e.remote.Get(ctx, target.Remote())
		switch {
		case err == nil:
			e.mu.Lock()
			if err := e.state.Mirror.Upsert(n); err != nil {
				e.mu.Unlock()
				return notes.Note{}, errs.Wrap(errs.Internal, "update mirror", err)
			}
			save := e.snapshotLocked()
			e.mu.Unlock()
			e.save(ctx, save)
		case errs.Is(err, errs.NotFound):
			e.mu.Lock()
			e.forgetRemoteLocked(target.Remote())
			save := e.snapshotLocked()
			e.mu.Unlock()
			e.save(ctx, save)
			return notes.Note{}, err
		case errs.Is(err, errs.Unauthorized):
			e.notifyAuth(err)
		default:
			obs.From(ctx).With("pkg", "engine").Debug("note_refetch_failed", "id", id.String(), "error", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.viewLocked() {
		if matches(n.ID, target) {
			return n, nil
		}
	}
	return notes.Note{}, errs.New(errs.NotFound, fmt.Sprintf("note %s not found", id))
}

func matches(viewID, target notes.Identity) bool {
	if viewID == target {
		return true
	}
	if shadowOf, ok := viewID.ShadowOf(); ok {
		return target.IsRemote() && target.Remote() == shadowOf
	}
	return false
}

// Pending returns a copy of the pending log in enqueue order.
func (e *Engine) Pending() []oplog.Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Log.Ops()
}

// Status reports connectivity, queue sizes and the last pass.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Online:       e.oracle.IsOnline(),
		Running:      e.machine.Is(stateRunning),
		Pending:      e.state.Log.Len(),
		OfflineNotes: e.state.Offline.Len(),
		Translations: e.state.IDs.Len(),
		LastSyncAt:   e.lastSyncAt,
		LastResult:   e.lastResult,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// RefreshResult reports what Refresh did.
type RefreshResult struct {
	Offline bool `json:"offline"`
	Count   int  `json:"count"`
}

// Refresh reloads the mirror from the notes API. Offline it does nothing.
func (e *Engine) Refresh(ctx context.Context) (RefreshResult, error) {
	if !e.oracle.IsOnline() {
		return RefreshResult{Offline: true}, nil
	}
	e.mu.Lock()
	mark := e.state.Mirror.Version()
	e.mu.Unlock()

	list, err := e.remote.List(ctx)
	if err != nil {
		if errs.Is(err, errs.Unauthorized) {
			e.notifyAuth(err)
		}
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return RefreshResult{}, err
	}

	e.mu.Lock()
	if err := e.replaceMirrorLocked(ctx, list, mark); err != nil {
		e.mu.Unlock()
		return RefreshResult{}, err
	}
	save := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.save(ctx, save); err != nil {
		return RefreshResult{Count: len(list)}, err
	}
	return RefreshResult{Count: len(list)}, nil
}

// replaceMirrorLocked installs a server list fetched at mirror version mark
// and re-applies local markers the server does not know about yet. Mirror
// changes made after mark survive the install.
func (e *Engine) replaceMirrorLocked(ctx context.Context, list []notes.Note, mark uint64) error {
	installed, err := e.state.Mirror.ReplaceSince(list, mark)
	if err != nil {
		return errs.Wrap(errs.ServerError, "install note list", err)
	}
	if !installed {
		obs.From(ctx).With("pkg", "engine").Debug("mirror_list_superseded", "mark", mark)
		return nil
	}
	for _, op := range e.state.Log.Ops() {
		if op.Kind == oplog.KindDelete {
			e.state.Mirror.MarkDeleted(op.Target.Remote(), false)
		}
	}
	return nil
}

// normalizeLocked maps shadows and translated local tokens onto their remote
// identity. Anything else is returned unchanged.
func (e *Engine) normalizeLocked(id notes.Identity) notes.Identity {
	if remoteID, ok := id.ShadowOf(); ok {
		return notes.RemoteID(remoteID)
	}
	if id.IsLocal() {
		if remoteID, ok := e.state.IDs.Resolve(id.Token()); ok {
			return notes.RemoteID(remoteID)
		}
	}
	return id
}

// pendingForRemoteLocked reports whether any queued op concerns remoteID,
// either directly or through the local token that was translated to it.
func (e *Engine) pendingForRemoteLocked(remoteID int64) bool {
	targets := []notes.Identity{notes.RemoteID(remoteID)}
	if token, ok := e.state.IDs.Reverse(remoteID); ok {
		targets = append(targets, notes.LocalID(token))
	}
	return e.state.Log.HasTarget(targets...)
}

// forgetRemoteLocked drops every local trace of a remote note.
func (e *Engine) forgetRemoteLocked(remoteID int64) {
	e.state.Mirror.Remove(remoteID)
	e.dropOfflineCopiesLocked(remoteID)
}

// dropOfflineCopiesLocked removes the shadow of remoteID and the offline
// entity that was translated to it.
func (e *Engine) dropOfflineCopiesLocked(remoteID int64) {
	e.state.Offline.Delete(notes.ShadowID(remoteID).Token())
	if token, ok := e.state.IDs.Reverse(remoteID); ok {
		e.state.Offline.Delete(token)
	}
}

// pruneLocked removes offline entities whose whole chain has been confirmed:
// translated or shadow, and no queued op concerns them any more.
func (e *Engine) pruneLocked() int {
	pruned := 0
	for _, token := range e.state.Offline.Tokens() {
		local := notes.LocalID(token)
		var remoteID int64
		if id, ok := local.ShadowOf(); ok {
			remoteID = id
		} else if id, ok := e.state.IDs.Resolve(token); ok {
			remoteID = id
		} else {
			continue
		}
		if e.state.Log.HasTarget(local) || e.pendingForRemoteLocked(remoteID) {
			continue
		}
		e.state.Offline.Delete(token)
		pruned++
	}
	return pruned
}

func (e *Engine) notifyAuth(err error) {
	if e.authHook != nil {
		e.authHook(err)
	}
}

// pendingSave is a copy of the state taken under mu and written outside it.
type pendingSave struct {
	snap    syncstate.Snapshot
	version uint64
}

func (e *Engine) snapshotLocked() pendingSave {
	e.version++
	return pendingSave{snap: e.state.Snapshot(), version: e.version}
}

// save writes a snapshot unless a newer one has already been written.
func (e *Engine) save(ctx context.Context, ps pendingSave) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if ps.version <= e.savedVersion {
		return nil
	}
	st, err := syncstate.FromSnapshot(ps.snap)
	if err != nil {
		return errs.Wrap(errs.Internal, "copy sync state", err)
	}
	if err := e.store.Save(ctx, st); err != nil {
		obs.From(ctx).With("pkg", "engine").Error("persist_state_failed", "error", err)
		return errs.Wrap(errs.Internal, "persist sync state", err)
	}
	e.savedVersion = ps.version
	return nil
}
