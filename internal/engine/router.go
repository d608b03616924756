package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/oplog"
	"github.com/kuitang/notesync/internal/remote"
)

// Outcome is the result of a routed write.
type Outcome struct {
	// Note is the note as it now appears in the view. Zero for deletes of
	// notes that no longer appear anywhere.
	Note notes.Note
	// Queued is true when the write was captured locally for later replay.
	Queued bool
	// Cause is the remote failure that sent the write to the queue, or nil
	// when it was queued because the client is offline.
	Cause error
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Permanent removes the note instead of marking it deleted.
	Permanent bool
}

// Create stores a new note remotely when possible, otherwise captures it as
// an offline note with a freshly minted local identity.
func (e *Engine) Create(ctx context.Context, input notes.NoteInput) (Outcome, error) {
	if err := notes.ValidateInput(input); err != nil {
		return Outcome{}, err
	}
	logger := obs.From(ctx).With("pkg", "engine")

	// The same key is used for the live attempt and any later replay, so a
	// create whose response was lost is not applied twice by servers that
	// honour it.
	opID := uuid.NewString()

	var cause error
	if e.oracle.IsOnline() {
		n, err := e.remote.Create(remote.WithIdempotencyKey(ctx, opID), input)
		if err == nil {
			e.mu.Lock()
			if err := e.state.Mirror.Prepend(n); err != nil {
				e.mu.Unlock()
				return Outcome{}, errs.Wrap(errs.Internal, "update mirror", err)
			}
			save := e.snapshotLocked()
			e.mu.Unlock()
			return Outcome{Note: n}, e.save(ctx, save)
		}
		if !e.capturable(err) {
			return Outcome{}, err
		}
		cause = err
		logger.Info("create_queued", "cause", err)
	}

	e.mu.Lock()
	id := e.state.IDs.Mint()
	n := notes.NewOfflineNote(id, input, e.now())
	if err := e.state.Offline.Put(n); err != nil {
		e.mu.Unlock()
		return Outcome{}, errs.Wrap(errs.Internal, "store offline note", err)
	}
	payload := input
	e.state.Log.Append(oplog.Op{ID: opID, Kind: oplog.KindCreate, Target: id, Input: &payload})
	save := e.snapshotLocked()
	e.mu.Unlock()

	return Outcome{Note: n, Queued: true, Cause: cause}, e.save(ctx, save)
}

// Update applies patch to the note named by id.
func (e *Engine) Update(ctx context.Context, id notes.Identity, patch notes.NotePatch) (Outcome, error) {
	if err := notes.ValidatePatch(patch); err != nil {
		return Outcome{}, err
	}

	e.mu.Lock()
	target := e.normalizeLocked(id)

	if target.IsLocal() {
		defer e.mu.Unlock()
		return e.updateOfflineLocked(ctx, target, patch)
	}

	remoteID := target.Remote()
	if !e.existsRemoteLocked(remoteID) {
		e.mu.Unlock()
		return Outcome{}, notFound(id)
	}
	direct := !e.pendingForRemoteLocked(remoteID)
	e.mu.Unlock()

	var cause error
	if direct && e.oracle.IsOnline() {
		n, err := e.remote.Update(ctx, remoteID, patch)
		if err == nil {
			e.mu.Lock()
			if err := e.state.Mirror.Upsert(n); err != nil {
				e.mu.Unlock()
				return Outcome{}, errs.Wrap(errs.Internal, "update mirror", err)
			}
			save := e.snapshotLocked()
			e.mu.Unlock()
			return Outcome{Note: n}, e.save(ctx, save)
		}
		if errs.Is(err, errs.NotFound) {
			e.mu.Lock()
			e.forgetRemoteLocked(remoteID)
			save := e.snapshotLocked()
			e.mu.Unlock()
			e.save(ctx, save)
			return Outcome{}, err
		}
		if !e.capturable(err) {
			return Outcome{}, err
		}
		cause = err
		obs.From(ctx).With("pkg", "engine").Info("update_queued", "id", remoteID, "cause", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateShadowLocked(ctx, remoteID, patch, cause)
}

// updateOfflineLocked edits a note that only exists locally.
func (e *Engine) updateOfflineLocked(ctx context.Context, id notes.Identity, patch notes.NotePatch) (Outcome, error) {
	n, ok := e.state.Offline.Get(id.Token())
	if !ok {
		return Outcome{}, notFound(id)
	}
	patch.Apply(&n)
	n.UpdatedAt = e.now()
	if err := e.state.Offline.Put(n); err != nil {
		return Outcome{}, errs.Wrap(errs.Internal, "store offline note", err)
	}
	p := patch
	e.state.Log.Append(oplog.Op{Kind: oplog.KindUpdate, Target: id, Patch: &p})
	return e.finishLocked(ctx, Outcome{Note: n, Queued: true})
}

// updateShadowLocked records an offline edit of a remote note in its shadow.
func (e *Engine) updateShadowLocked(ctx context.Context, remoteID int64, patch notes.NotePatch, cause error) (Outcome, error) {
	shadowID := notes.ShadowID(remoteID)
	n, ok := e.state.Offline.Get(shadowID.Token())
	if !ok {
		base, inMirror := e.state.Mirror.Get(remoteID)
		if !inMirror {
			return Outcome{}, notFound(notes.RemoteID(remoteID))
		}
		n = base
		n.ID = shadowID
	}
	patch.Apply(&n)
	n.UpdatedAt = e.now()
	n.Synced = false
	if err := e.state.Offline.Put(n); err != nil {
		return Outcome{}, errs.Wrap(errs.Internal, "store shadow note", err)
	}
	p := patch
	e.state.Log.Append(oplog.Op{Kind: oplog.KindUpdate, Target: notes.RemoteID(remoteID), Patch: &p})
	return e.finishLocked(ctx, Outcome{Note: n, Queued: true, Cause: cause})
}

// Delete removes the note named by id. A note that never reached the server
// is purged together with its pending ops without any remote call.
func (e *Engine) Delete(ctx context.Context, id notes.Identity, opts DeleteOptions) (Outcome, error) {
	e.mu.Lock()
	target := e.normalizeLocked(id)

	if target.IsLocal() {
		defer e.mu.Unlock()
		if !e.state.Offline.Delete(target.Token()) {
			return Outcome{}, notFound(id)
		}
		purged := e.state.Log.PurgeTarget(target)
		obs.From(ctx).With("pkg", "engine").Debug("offline_note_purged", "id", target.String(), "ops", purged)
		return e.finishLocked(ctx, Outcome{})
	}

	remoteID := target.Remote()
	if !e.existsRemoteLocked(remoteID) {
		e.mu.Unlock()
		return Outcome{}, notFound(id)
	}
	direct := !e.pendingForRemoteLocked(remoteID)
	e.mu.Unlock()

	var cause error
	if direct && e.oracle.IsOnline() {
		err := e.remote.Delete(ctx, remoteID, opts.Permanent)
		if err == nil {
			e.mu.Lock()
			e.dropOfflineCopiesLocked(remoteID)
			var out Outcome
			if opts.Permanent {
				e.state.Mirror.Remove(remoteID)
			} else if e.state.Mirror.MarkDeleted(remoteID, true) {
				out.Note, _ = e.state.Mirror.Get(remoteID)
			}
			save := e.snapshotLocked()
			e.mu.Unlock()
			return out, e.save(ctx, save)
		}
		if errs.Is(err, errs.NotFound) {
			e.mu.Lock()
			e.forgetRemoteLocked(remoteID)
			save := e.snapshotLocked()
			e.mu.Unlock()
			e.save(ctx, save)
			return Outcome{}, err
		}
		if !e.capturable(err) {
			return Outcome{}, err
		}
		cause = err
		obs.From(ctx).With("pkg", "engine").Info("delete_queued", "id", remoteID, "cause", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropOfflineCopiesLocked(remoteID)
	var out Outcome
	if e.state.Mirror.MarkDeleted(remoteID, false) {
		out.Note, _ = e.state.Mirror.Get(remoteID)
	}
	e.state.Log.Append(oplog.Op{Kind: oplog.KindDelete, Target: notes.RemoteID(remoteID), Permanent: opts.Permanent})
	out.Queued = true
	out.Cause = cause
	return e.finishLocked(ctx, out)
}

// finishLocked persists after a locally captured write. It releases and
// re-acquires mu around the save.
func (e *Engine) finishLocked(ctx context.Context, out Outcome) (Outcome, error) {
	save := e.snapshotLocked()
	e.mu.Unlock()
	err := e.save(ctx, save)
	e.mu.Lock()
	return out, err
}

// capturable decides whether a failed remote write is kept locally. Only
// rejections of the payload itself are surfaced; an auth failure is kept
// and reported through the auth hook.
func (e *Engine) capturable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.InvalidArgument:
		return false
	case errs.Unauthorized:
		e.notifyAuth(err)
		return true
	default:
		return true
	}
}

func (e *Engine) existsRemoteLocked(remoteID int64) bool {
	return e.state.Mirror.Has(remoteID) || e.state.Offline.Has(notes.ShadowID(remoteID).Token())
}

func notFound(id notes.Identity) error {
	return errs.New(errs.NotFound, fmt.Sprintf("note %s not found", id))
}
