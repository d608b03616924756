package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/looplab/fsm"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/oplog"
	"github.com/kuitang/notesync/internal/remote"
)

const (
	stateIdle    = "idle"
	stateRunning = "running"

	eventStart  = "start"
	eventFinish = "finish"
)

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{stateIdle}, Dst: stateRunning},
			{Name: eventFinish, Src: []string{stateRunning}, Dst: stateIdle},
		},
		fsm.Callbacks{},
	)
}

// SyncResult summarises one reconciliation pass.
type SyncResult struct {
	// Succeeded counts ops the notes API accepted.
	Succeeded int `json:"succeeded"`
	// Failed counts ops that failed and stay queued.
	Failed int `json:"failed"`
	// Skipped counts ops whose target could not be resolved yet.
	Skipped int `json:"skipped"`
	// Dropped counts ops discarded because their note no longer exists.
	Dropped int `json:"dropped"`
	// Remaining is the queue length after the pass.
	Remaining int `json:"remaining"`
	// Pruned counts offline notes removed because their changes are confirmed.
	Pruned int `json:"pruned"`
	// AlreadyRunning is set when the trigger was coalesced into a running pass.
	AlreadyRunning bool `json:"already_running,omitempty"`
}

// Sync migrates legacy pending notes and replays the pending log. A call made
// while a pass is running returns immediately with AlreadyRunning set.
func (e *Engine) Sync(ctx context.Context) (SyncResult, error) {
	if !e.oracle.IsOnline() {
		return SyncResult{}, errs.New(errs.Unavailable, "offline: sync postponed until connectivity returns")
	}

	if err := e.machine.Event(ctx, eventStart); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return SyncResult{AlreadyRunning: true}, nil
		}
		return SyncResult{}, errs.Wrap(errs.Internal, "start sync pass", err)
	}
	defer func() {
		if err := e.machine.Event(context.WithoutCancel(ctx), eventFinish); err != nil {
			e.logger.Error("sync_state_machine", "error", err)
		}
	}()

	ctx = obs.WithSyncID(ctx, "")
	logger := obs.From(ctx).With("pkg", "engine")
	logger.Info("sync_started")

	if err := e.migrateLegacy(ctx); err != nil {
		logger.Warn("legacy_migration_failed", "error", err)
	}

	res, err := e.reconcile(ctx, logger)

	e.mu.Lock()
	e.lastSyncAt = e.now()
	e.lastResult = res
	e.lastErr = err
	e.mu.Unlock()

	logger.Info("sync_finished",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"dropped", res.Dropped,
		"remaining", res.Remaining,
		"pruned", res.Pruned,
		"error", err,
	)
	return res, err
}

type replayStatus int

const (
	replaySucceeded replayStatus = iota
	replayFailed
	replaySkipped
	replayDropped
	replayGone
	replayAbort
)

func (e *Engine) reconcile(ctx context.Context, logger *slog.Logger) (SyncResult, error) {
	var res SyncResult

	e.mu.Lock()
	ops := e.state.Log.Snapshot()
	e.mu.Unlock()

	var passErr error
	for _, op := range ops {
		status, err := e.replay(ctx, op)
		switch status {
		case replaySucceeded:
			res.Succeeded++
		case replayFailed:
			res.Failed++
		case replaySkipped:
			res.Skipped++
		case replayDropped:
			res.Dropped++
		case replayAbort:
			passErr = err
		}
		if passErr != nil {
			break
		}
	}

	if passErr == nil {
		e.mu.Lock()
		mark := e.state.Mirror.Version()
		e.mu.Unlock()

		list, err := e.remote.List(ctx)
		if err != nil {
			logger.Warn("mirror_refresh_failed", "error", err)
			if errs.Is(err, errs.Unauthorized) {
				e.notifyAuth(err)
			}
		} else {
			e.mu.Lock()
			if err := e.replaceMirrorLocked(ctx, list, mark); err != nil {
				logger.Warn("mirror_refresh_failed", "error", err)
			}
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	res.Pruned = e.pruneLocked()
	res.Remaining = e.state.Log.Len()
	save := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.save(ctx, save); err != nil && passErr == nil {
		passErr = err
	}
	return res, passErr
}

// replay sends one op. The op is re-read from the live log by ID before and
// after the remote call, so concurrent edits of the log are respected.
func (e *Engine) replay(ctx context.Context, snap oplog.Op) (replayStatus, error) {
	ctx = obs.WithOpID(ctx, snap.ID)
	logger := obs.From(ctx).With("pkg", "engine")

	e.mu.Lock()
	op, ok := e.state.Log.Get(snap.ID)
	if !ok {
		e.mu.Unlock()
		return replayGone, nil
	}

	var remoteID int64
	switch op.Kind {
	case oplog.KindCreate:
		if id, done := e.state.IDs.Resolve(op.Target.Token()); done {
			// Translation was recorded but the op survived, e.g. a crash
			// between the two writes.
			e.state.Log.Remove(op.ID)
			logger.Warn("create_already_translated", "local", op.Target.String(), "remote", id)
			e.mu.Unlock()
			return replaySucceeded, nil
		}
	default:
		target := e.normalizeLocked(op.Target)
		if !target.IsRemote() {
			e.mu.Unlock()
			logger.Debug("op_target_unresolved", "target", op.Target.String())
			return replaySkipped, nil
		}
		remoteID = target.Remote()
	}

	if op.InFlight {
		logger.Warn("op_possible_duplicate",
			"kind", string(op.Kind),
			"target", op.Target.String(),
			"attempts", op.Attempts,
		)
	}
	e.state.Log.Mutate(op.ID, func(o *oplog.Op) { o.InFlight = true })
	save := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.save(ctx, save); err != nil {
		logger.Warn("persist_in_flight_failed", "error", err)
	}

	callCtx := remote.WithIdempotencyKey(ctx, op.ID)
	var (
		result notes.Note
		err    error
	)
	switch op.Kind {
	case oplog.KindCreate:
		result, err = e.remote.Create(callCtx, *op.Input)
	case oplog.KindUpdate:
		result, err = e.remote.Update(callCtx, remoteID, *op.Patch)
	case oplog.KindDelete:
		err = e.remote.Delete(callCtx, remoteID, op.Permanent)
	}

	e.mu.Lock()
	status, applyErr := e.applyLocked(ctx, op, remoteID, result, err)
	save = e.snapshotLocked()
	e.mu.Unlock()

	if err := e.save(ctx, save); err != nil {
		logger.Warn("persist_replay_failed", "error", err)
	}
	if status == replayAbort && errs.Is(applyErr, errs.Unauthorized) {
		e.notifyAuth(applyErr)
	}
	return status, applyErr
}

// applyLocked folds the result of one remote call into the state.
func (e *Engine) applyLocked(ctx context.Context, op oplog.Op, remoteID int64, result notes.Note, callErr error) (replayStatus, error) {
	logger := obs.From(ctx).With("pkg", "engine")

	if callErr != nil {
		if errs.Is(callErr, errs.NotFound) && op.Kind != oplog.KindCreate {
			e.state.Log.Remove(op.ID)
			e.forgetRemoteLocked(remoteID)
			logger.Info("op_dropped_note_gone", "kind", string(op.Kind), "remote", remoteID)
			return replayDropped, nil
		}
		e.state.Log.Mutate(op.ID, func(o *oplog.Op) {
			o.InFlight = false
			o.Attempts++
			o.LastError = callErr.Error()
		})
		if errs.Is(callErr, errs.Unauthorized) {
			logger.Warn("sync_aborted_unauthorized", "error", callErr)
			return replayAbort, callErr
		}
		logger.Warn("op_replay_failed", "kind", string(op.Kind), "target", op.Target.String(), "error", callErr)
		return replayFailed, nil
	}

	switch op.Kind {
	case oplog.KindCreate:
		return e.applyCreateLocked(ctx, op, result)

	case oplog.KindUpdate:
		e.state.Log.Remove(op.ID)
		if err := e.state.Mirror.Upsert(result); err != nil {
			return replayFailed, errs.Wrap(errs.Internal, "update mirror", err)
		}

	case oplog.KindDelete:
		e.state.Log.Remove(op.ID)
		if op.Permanent {
			e.state.Mirror.Remove(remoteID)
		} else {
			e.state.Mirror.MarkDeleted(remoteID, true)
		}
		e.dropOfflineCopiesLocked(remoteID)
	}
	return replaySucceeded, nil
}

func (e *Engine) applyCreateLocked(ctx context.Context, op oplog.Op, created notes.Note) (replayStatus, error) {
	logger := obs.From(ctx).With("pkg", "engine")
	token := op.Target.Token()
	remoteID := created.ID.Remote()

	if !e.state.Log.Remove(op.ID) {
		// The local note was deleted while its create was in flight. The
		// server copy is now an orphan and gets deleted on the next pass.
		e.state.Log.Append(oplog.Op{Kind: oplog.KindDelete, Target: created.ID, Permanent: true})
		logger.Info("orphan_delete_queued", "local", token, "remote", remoteID)
		return replaySucceeded, nil
	}

	if err := e.state.IDs.Record(token, remoteID); err != nil {
		logger.Error("translation_conflict", "local", token, "remote", remoteID, "error", err)
		return replayAbort, err
	}
	if err := e.state.Mirror.Prepend(created); err != nil {
		return replayFailed, errs.Wrap(errs.Internal, "update mirror", err)
	}

	// Later edits still queued against the local token now belong to the
	// remote note. The local copy becomes its shadow so those edits stay
	// visible until they are replayed.
	if e.state.Log.Retarget(op.Target, created.ID) > 0 {
		if n, ok := e.state.Offline.Get(token); ok {
			n.ID = notes.ShadowID(remoteID)
			if err := e.state.Offline.Put(n); err != nil {
				return replayFailed, errs.Wrap(errs.Internal, "store shadow note", err)
			}
		}
	}
	e.state.Offline.Delete(token)
	logger.Debug("create_translated", "local", token, "remote", remoteID)
	return replaySucceeded, nil
}
