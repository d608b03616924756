package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/syncstate"
	"github.com/kuitang/notesync/internal/view"
)

var ctx = context.Background()

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func failOn(method string, err error) func(call) error {
	return func(c call) error {
		if c.Method == method {
			return err
		}
		return nil
	}
}

func blockOn(method string, release <-chan struct{}) func(call) <-chan struct{} {
	return func(c call) <-chan struct{} {
		if c.Method == method {
			return release
		}
		return nil
	}
}

func waitForCalls(t *testing.T, r *fakeRemote, method string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.callsFor(method)) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func titles(list []notes.Note) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.Title)
	}
	return out
}

// ============================================================
// Routing
// ============================================================

func TestCreate_OnlineGoesDirect(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "groceries", Content: "milk"})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.True(t, out.Note.ID.IsRemote())
	assert.True(t, out.Note.Synced)

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, out.Note.ID, list[0].ID)
	assert.Empty(t, h.engine.Pending())
	assert.Equal(t, 1, h.remote.svc.Len())
}

func TestCreate_OfflineThenSync(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "draft"})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Nil(t, out.Cause)
	assert.True(t, strings.HasPrefix(out.Note.ID.Token(), notes.LocalPrefix))
	assert.False(t, out.Note.Synced)
	assert.Empty(t, h.remote.callsFor(""), "offline writes must not reach the server")

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, "draft", list[0].Title)
	assert.False(t, list[0].Synced)

	h.oracle.SetOnline(true)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)

	list = h.engine.Notes()
	require.Len(t, list, 1)
	assert.True(t, list[0].ID.IsRemote())
	assert.True(t, list[0].Synced)
	assert.Equal(t, "draft", list[0].Title)

	st := h.engine.Status()
	assert.Equal(t, 1, st.Translations)
	assert.Equal(t, 0, st.OfflineNotes)

	// The local identity keeps working after translation.
	n, err := h.engine.Note(ctx, out.Note.ID)
	require.NoError(t, err)
	assert.Equal(t, list[0].ID, n.ID)
}

func TestCreate_ServerFailureQueuesWithSameIdempotencyKey(t *testing.T) {
	h := newHarness(t, true)
	h.remote.setFail(failOn("create", errs.New(errs.ServerError, "boom")))

	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "retry me"})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.True(t, errs.Is(out.Cause, errs.ServerError))

	h.remote.setFail(nil)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	creates := h.remote.callsFor("create")
	require.Len(t, creates, 2)
	assert.NotEmpty(t, creates[0].Key)
	assert.Equal(t, creates[0].Key, creates[1].Key)
	assert.Equal(t, 1, h.remote.svc.Len())
}

func TestCreate_InvalidInputSurfaced(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "   "})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	_, err = h.engine.Create(ctx, notes.NoteInput{Title: "x", Priority: notes.Ptr(notes.MaxPriority + 1)})
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	assert.Empty(t, h.engine.Pending())
	assert.Empty(t, h.engine.Notes())
}

func TestUpdate_ServerFailureFallsBackToShadow(t *testing.T) {
	h := newHarness(t, true)
	first := h.seed(t, "first")
	second := h.seed(t, "second")
	h.remote.setFail(failOn("update", errs.New(errs.ServerError, "boom")))

	out, err := h.engine.Update(ctx, first, notes.NotePatch{Title: notes.Ptr("first, edited")})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.True(t, errs.Is(out.Cause, errs.ServerError))

	// The shadow takes the mirror entry's place.
	list := h.engine.Notes()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.Equal(t, "first, edited", list[1].Title)
	assert.False(t, list[1].Synced)
	assert.True(t, list[0].Synced)

	h.remote.setFail(nil)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Pruned)

	w, err := h.remote.svc.Get(first.Remote())
	require.NoError(t, err)
	assert.Equal(t, "first, edited", w.Title)
	list = h.engine.Notes()
	assert.True(t, list[1].Synced)
	assert.Equal(t, first, list[1].ID)
}

func TestUpdate_UnauthorizedCapturedAndReported(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "secret")
	h.remote.setFail(failOn("update", errs.New(errs.Unauthorized, "token expired")))

	out, err := h.engine.Update(ctx, id, notes.NotePatch{Content: notes.Ptr("body")})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.True(t, errs.Is(out.Cause, errs.Unauthorized))
	assert.Equal(t, 1, h.authFailures())
	assert.Len(t, h.engine.Pending(), 1)
}

func TestUpdate_InvalidArgumentFromServerSurfaced(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "note")
	h.remote.setFail(failOn("update", errs.New(errs.InvalidArgument, "rejected")))

	_, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("new")})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	assert.Empty(t, h.engine.Pending())
}

func TestUpdate_NotFoundSurfacedAndForgotten(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "ephemeral")
	require.NoError(t, h.remote.svc.Delete(id.Remote(), true))

	_, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("too late")})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
	assert.Empty(t, h.engine.Pending())
	assert.Empty(t, h.engine.Notes())
}

func TestUpdate_UnknownTargetRejectedLocally(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.engine.Update(ctx, notes.RemoteID(404), notes.NotePatch{Title: notes.Ptr("x")})
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = h.engine.Update(ctx, notes.LocalID("local-missing"), notes.NotePatch{Title: notes.Ptr("x")})
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = h.engine.Update(ctx, notes.RemoteID(404), notes.NotePatch{})
	assert.True(t, errs.Is(err, errs.InvalidArgument))

	assert.Empty(t, h.remote.callsFor("update"))
}

func TestUpdate_QueuedOpsForceOfflinePath(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "v0")

	h.oracle.SetOnline(false)
	_, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("v1")})
	require.NoError(t, err)

	h.oracle.SetOnline(true)
	out, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("v2")})
	require.NoError(t, err)
	assert.True(t, out.Queued, "a write must not overtake queued edits of the same note")
	assert.Nil(t, out.Cause)
	assert.Empty(t, h.remote.callsFor("update"))
	assert.Len(t, h.engine.Pending(), 2)

	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	updates := h.remote.callsFor("update")
	require.Len(t, updates, 2)
	w, err := h.remote.svc.Get(id.Remote())
	require.NoError(t, err)
	assert.Equal(t, "v2", w.Title)
}

func TestUpdate_OfflineNoteEditedInPlace(t *testing.T) {
	h := newHarness(t, false)
	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "draft", Content: "a"})
	require.NoError(t, err)

	upd, err := h.engine.Update(ctx, out.Note.ID, notes.NotePatch{Content: notes.Ptr("b")})
	require.NoError(t, err)
	assert.Equal(t, out.Note.ID, upd.Note.ID)
	assert.Equal(t, "b", upd.Note.Content)
	assert.True(t, upd.Note.UpdatedAt.After(out.Note.UpdatedAt))

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Content)
}

// ============================================================
// Deletes
// ============================================================

func TestDelete_SoftVersusPermanent(t *testing.T) {
	h := newHarness(t, true)
	soft := h.seed(t, "soft")
	hard := h.seed(t, "hard")

	out, err := h.engine.Delete(ctx, soft, DeleteOptions{})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.Equal(t, notes.StatusDeleted, out.Note.Status)
	assert.True(t, out.Note.Synced)

	w, err := h.remote.svc.Get(soft.Remote())
	require.NoError(t, err)
	assert.Equal(t, string(notes.StatusDeleted), w.Status)

	out, err = h.engine.Delete(ctx, hard, DeleteOptions{Permanent: true})
	require.NoError(t, err)
	assert.True(t, out.Note.ID.IsZero())
	_, err = h.remote.svc.Get(hard.Remote())
	assert.True(t, errs.Is(err, errs.NotFound))

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, soft, list[0].ID)
	assert.Empty(t, view.Active(list))
}

func TestDelete_BeforeSyncMakesNoRemoteCalls(t *testing.T) {
	h := newHarness(t, false)
	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "never mind"})
	require.NoError(t, err)
	_, err = h.engine.Update(ctx, out.Note.ID, notes.NotePatch{Title: notes.Ptr("really never mind")})
	require.NoError(t, err)

	_, err = h.engine.Delete(ctx, out.Note.ID, DeleteOptions{})
	require.NoError(t, err)
	assert.Empty(t, h.engine.Pending())
	assert.Empty(t, h.engine.Notes())

	h.oracle.SetOnline(true)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Empty(t, h.remote.callsFor("create"))
	assert.Empty(t, h.remote.callsFor("update"))
	assert.Empty(t, h.remote.callsFor("delete"))

	_, err = h.engine.Delete(ctx, out.Note.ID, DeleteOptions{})
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDelete_OfflineRemoteNote(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "bye")
	h.oracle.SetOnline(false)

	out, err := h.engine.Delete(ctx, id, DeleteOptions{})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, notes.StatusDeleted, out.Note.Status)
	assert.False(t, out.Note.Synced)

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.False(t, list[0].Synced)
	assert.Empty(t, view.Active(list))

	h.oracle.SetOnline(true)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	deletes := h.remote.callsFor("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, id.Remote(), deletes[0].ID)

	list = h.engine.Notes()
	require.Len(t, list, 1)
	assert.True(t, list[0].Synced)
	assert.Equal(t, notes.StatusDeleted, list[0].Status)
}

func TestDelete_ShadowedNoteDropsOfflineCopy(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "note")
	h.oracle.SetOnline(false)

	_, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("edited")})
	require.NoError(t, err)
	_, err = h.engine.Delete(ctx, notes.ShadowID(id.Remote()), DeleteOptions{Permanent: true})
	require.NoError(t, err)

	assert.Equal(t, 0, h.engine.Status().OfflineNotes)
	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, notes.StatusDeleted, list[0].Status)

	h.oracle.SetOnline(true)
	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.remote.svc.Len())
	assert.Empty(t, h.engine.Notes())
}

// ============================================================
// Reconciliation
// ============================================================

func TestSync_OfflineIsUnavailable(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unavailable))
	assert.Empty(t, h.remote.callsFor(""))
}

func TestSync_AutoOnReconnect(t *testing.T) {
	h := newHarness(t, false, withAutoSync())
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "written on a plane"})
	require.NoError(t, err)

	h.oracle.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(h.engine.Pending()) == 0 && h.remote.svc.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSync_CreateFailureSkipsDependentUpdate(t *testing.T) {
	h := newHarness(t, false)
	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "draft"})
	require.NoError(t, err)
	_, err = h.engine.Update(ctx, out.Note.ID, notes.NotePatch{Title: notes.Ptr("final")})
	require.NoError(t, err)

	h.oracle.SetOnline(true)
	h.remote.setFail(failOn("create", errs.New(errs.ServerError, "boom")))
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Remaining)

	ops := h.engine.Pending()
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Contains(t, ops[0].LastError, "boom")
	assert.False(t, ops[0].InFlight)
	assert.Empty(t, h.remote.callsFor("update"))

	h.remote.setFail(nil)
	res, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, "final", list[0].Title)
	assert.True(t, list[0].Synced)
	assert.Equal(t, 0, h.engine.Status().OfflineNotes)
}

func TestSync_UnauthorizedAbortsPass(t *testing.T) {
	h := newHarness(t, false)
	for _, title := range []string{"a", "b"} {
		_, err := h.engine.Create(ctx, notes.NoteInput{Title: title})
		require.NoError(t, err)
	}

	h.oracle.SetOnline(true)
	h.remote.setFail(failOn("create", errs.New(errs.Unauthorized, "token expired")))
	res, err := h.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Unauthorized))
	assert.Equal(t, 2, res.Remaining)

	assert.Len(t, h.remote.callsFor("create"), 1, "pass stops at the first auth failure")
	assert.Empty(t, h.remote.callsFor("list"))
	assert.Equal(t, 1, h.authFailures())

	ops := h.engine.Pending()
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Contains(t, ops[0].LastError, "token expired")
	assert.NotEmpty(t, h.engine.Status().LastError)
}

func TestSync_NotFoundOnReplayDropsOp(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "doomed")
	h.oracle.SetOnline(false)
	_, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("edit")})
	require.NoError(t, err)

	require.NoError(t, h.remote.svc.Delete(id.Remote(), true))
	h.oracle.SetOnline(true)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, res.Remaining)
	assert.Empty(t, h.engine.Notes())
	assert.Equal(t, 0, h.engine.Status().OfflineNotes)
}

func TestSync_CoalescedWhileRunning(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "slow"})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	release := make(chan struct{})
	h.remote.setBlock(blockOn("create", release))
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx)
		done <- err
	}()
	waitForCalls(t, h.remote, "create", 1)

	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRunning)
	assert.True(t, h.engine.Status().Running)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.engine.Status().Running)
	assert.Len(t, h.remote.callsFor("create"), 1)
}

func TestSync_DeleteDuringInFlightCreateQueuesOrphanDelete(t *testing.T) {
	h := newHarness(t, false)
	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "orphan"})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	release := make(chan struct{})
	h.remote.setBlock(blockOn("create", release))
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx)
		done <- err
	}()
	waitForCalls(t, h.remote, "create", 1)

	_, err = h.engine.Delete(ctx, out.Note.ID, DeleteOptions{})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	ops := h.engine.Pending()
	require.Len(t, ops, 1)
	assert.Equal(t, "delete", string(ops[0].Kind))
	assert.True(t, ops[0].Permanent)
	assert.Empty(t, view.Active(h.engine.Notes()))

	h.remote.setBlock(nil)
	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.remote.svc.Len())
	assert.Empty(t, h.engine.Notes())
}

func TestSync_UpdateDuringInFlightCreateStaysVisible(t *testing.T) {
	h := newHarness(t, false)
	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "v1"})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	release := make(chan struct{})
	h.remote.setBlock(blockOn("create", release))
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx)
		done <- err
	}()
	waitForCalls(t, h.remote, "create", 1)

	_, err = h.engine.Update(ctx, out.Note.ID, notes.NotePatch{Title: notes.Ptr("v2")})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Title, "edit made during the create must not be hidden")
	assert.False(t, list[0].Synced)

	ops := h.engine.Pending()
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Target.IsRemote())

	h.remote.setBlock(nil)
	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	list = h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Title)
	assert.True(t, list[0].Synced)
	assert.Equal(t, 0, h.engine.Status().OfflineNotes)
}

func TestSync_IdempotentOnceDrained(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "once"})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	before := h.remote.svc.List()

	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, before, h.remote.svc.List())
	assert.Len(t, h.remote.callsFor("create"), 1)
}

// ============================================================
// Persistence
// ============================================================

func TestPersistence_RestartResumesQueue(t *testing.T) {
	h := newHarness(t, false)
	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "draft"})
	require.NoError(t, err)
	_, err = h.engine.Update(ctx, out.Note.ID, notes.NotePatch{Content: notes.Ptr("body")})
	require.NoError(t, err)

	h2 := h.restart(t)
	assert.Len(t, h2.engine.Pending(), 2)
	list := h2.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, out.Note.ID, list[0].ID)
	assert.Equal(t, "body", list[0].Content)

	h2.oracle.SetOnline(true)
	res, err := h2.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, h2.remote.svc.Len())
}

func TestPersistence_SaveFailureReported(t *testing.T) {
	h := newHarness(t, false)
	h.store.FailSaves(errors.New("disk full"))

	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "unsaved"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Internal))
	assert.True(t, out.Queued)
	assert.Len(t, h.engine.Notes(), 1)

	h.store.FailSaves(nil)
	_, err = h.engine.Create(ctx, notes.NoteInput{Title: "saved"})
	require.NoError(t, err)

	h2 := h.restart(t)
	assert.Len(t, h2.engine.Pending(), 2, "the next save carries earlier changes too")
}

func TestReplay_CrashDuringCallReplaysWithSameKey(t *testing.T) {
	logs := &lockedBuffer{}
	restore := obs.SetOutputForTests(logs)
	defer restore()

	h := newHarness(t, false)
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "maybe twice"})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	release := make(chan struct{})
	h.remote.setBlock(blockOn("create", release))
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx)
		done <- err
	}()
	waitForCalls(t, h.remote, "create", 1)

	// What a crash during the call would leave behind.
	crashed, err := syncstate.Decode(h.store.Raw())
	require.NoError(t, err)
	ops := crashed.Log.Ops()
	require.Len(t, ops, 1)
	assert.True(t, ops[0].InFlight)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, h.remote.svc.Len())

	crashStore := syncstate.NewMemoryStore()
	require.NoError(t, crashStore.Save(ctx, crashed))
	h.remote.setBlock(nil)
	h2 := h.restart(t, withStore(crashStore))

	res, err := h2.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	creates := h.remote.callsFor("create")
	require.Len(t, creates, 2)
	assert.Equal(t, creates[0].Key, creates[1].Key)
	assert.Equal(t, 1, h.remote.svc.Len(), "server deduplicates on the idempotency key")
	assert.Contains(t, logs.String(), "op_possible_duplicate")
}

func TestLegacy_MigratedOnStartup(t *testing.T) {
	st := syncstate.New()
	st.Legacy = []notes.NoteInput{{Title: "old one"}, {Title: "  "}, {Title: "old two", Content: "body"}}
	store := syncstate.NewMemoryStore()
	require.NoError(t, store.Save(ctx, st))

	h := newHarness(t, false, withStore(store))
	ops := h.engine.Pending()
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Equal(t, "create", string(op.Kind))
		assert.True(t, strings.HasPrefix(op.Target.Token(), notes.LegacyPrefix))
	}
	assert.ElementsMatch(t, []string{"old one", "old two"}, titles(h.engine.Notes()))

	h2 := h.restart(t)
	assert.Len(t, h2.engine.Pending(), 2, "legacy notes are migrated once")

	h2.oracle.SetOnline(true)
	_, err := h2.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h2.remote.svc.Len())
}

// ============================================================
// Reads and status
// ============================================================

func TestNote_RefetchesWhenOnline(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "v1")
	_, err := h.remote.svc.Update(id.Remote(), notes.NotePatch{Title: notes.Ptr("v2")})
	require.NoError(t, err)

	n, err := h.engine.Note(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", n.Title)

	h.oracle.SetOnline(false)
	_, err = h.remote.svc.Update(id.Remote(), notes.NotePatch{Title: notes.Ptr("v3")})
	require.NoError(t, err)
	gets := len(h.remote.callsFor("get"))

	n, err = h.engine.Note(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", n.Title)
	assert.Len(t, h.remote.callsFor("get"), gets)
}

func TestNote_ShadowAndRemoteNamesAgree(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "base")
	h.oracle.SetOnline(false)
	_, err := h.engine.Update(ctx, id, notes.NotePatch{Title: notes.Ptr("edited")})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	byRemote, err := h.engine.Note(ctx, id)
	require.NoError(t, err)
	byShadow, err := h.engine.Note(ctx, notes.ShadowID(id.Remote()))
	require.NoError(t, err)
	assert.Equal(t, byRemote, byShadow)
	assert.Equal(t, "edited", byRemote.Title)
	assert.Empty(t, h.remote.callsFor("get"), "queued edits suppress the refetch")

	_, err = h.engine.Note(ctx, notes.RemoteID(999))
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRefresh_OfflineDoesNothing(t *testing.T) {
	h := newHarness(t, false)
	res, err := h.engine.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, h.remote.callsFor(""))
}

func TestRefresh_ReappliesPendingDeletes(t *testing.T) {
	h := newHarness(t, true)
	id := h.seed(t, "going")
	h.oracle.SetOnline(false)
	_, err := h.engine.Delete(ctx, id, DeleteOptions{Permanent: true})
	require.NoError(t, err)

	h.oracle.SetOnline(true)
	res, err := h.engine.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, notes.StatusDeleted, list[0].Status)
	assert.False(t, list[0].Synced)

	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.engine.Notes())
	assert.Equal(t, 0, h.remote.svc.Len())
}

func TestStatus_ReportsQueueAndLastPass(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "x"})
	require.NoError(t, err)

	st := h.engine.Status()
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.OfflineNotes)
	assert.True(t, st.LastSyncAt.IsZero())

	h.oracle.SetOnline(true)
	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)

	st = h.engine.Status()
	assert.True(t, st.Online)
	assert.False(t, st.Running)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Translations)
	assert.Equal(t, 1, st.LastResult.Succeeded)
	assert.False(t, st.LastSyncAt.IsZero())
	assert.Empty(t, st.LastError)
}

func TestClose_StopsReactingToConnectivity(t *testing.T) {
	h := newHarness(t, false, withAutoSync())
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "stays queued"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())

	h.oracle.SetOnline(true)
	assert.Never(t, func() bool {
		return len(h.remote.callsFor("")) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

// ============================================================
// Properties
// ============================================================

// noteKey is the part of a note both replicas must agree on.
func noteKey(title, content string, priority int) string {
	return fmt.Sprintf("%s|%s|%d", title, content, priority)
}

func activeServerKeys(r *fakeRemote) []string {
	var out []string
	for _, w := range r.svc.List() {
		if w.Status == string(notes.StatusActive) {
			out = append(out, noteKey(w.Title, w.Content, w.Priority))
		}
	}
	sort.Strings(out)
	return out
}

func activeViewKeys(e *Engine) []string {
	var out []string
	for _, n := range view.Active(e.Notes()) {
		out = append(out, noteKey(n.Title, n.Content, n.Priority))
	}
	sort.Strings(out)
	return out
}

// testEngine_Convergence_Properties drives an always-online engine and an
// intermittently connected one with the same writes. Once the second one has
// synced, both servers must hold the same active notes and a further pass must
// change nothing.
func testEngine_Convergence_Properties(t *rapid.T) {
	ref := newHarness(t, true)
	sub := newHarness(t, rapid.Bool().Draw(t, "startOnline"))

	var refIDs, subIDs []notes.Identity
	var alive []int

	text := rapid.StringMatching(`[a-z]{1,6}`)
	steps := rapid.IntRange(1, 25).Draw(t, "steps")
	for i := 0; i < steps; i++ {
		action := "create"
		if len(alive) > 0 {
			action = rapid.SampledFrom([]string{"create", "update", "delete", "toggle"}).Draw(t, "action")
		} else if rapid.Bool().Draw(t, "toggleFirst") {
			action = "toggle"
		}

		switch action {
		case "create":
			input := notes.NoteInput{
				Title:    text.Draw(t, "title"),
				Content:  text.Draw(t, "content"),
				Priority: notes.Ptr(rapid.IntRange(-3, 3).Draw(t, "priority")),
			}
			a, err := ref.engine.Create(ctx, input)
			require.NoError(t, err)
			b, err := sub.engine.Create(ctx, input)
			require.NoError(t, err)
			refIDs = append(refIDs, a.Note.ID)
			subIDs = append(subIDs, b.Note.ID)
			alive = append(alive, len(refIDs)-1)

		case "update":
			idx := alive[rapid.IntRange(0, len(alive)-1).Draw(t, "updateIdx")]
			patch := notes.NotePatch{Title: notes.Ptr(text.Draw(t, "newTitle"))}
			if rapid.Bool().Draw(t, "withPriority") {
				patch.Priority = notes.Ptr(rapid.IntRange(-3, 3).Draw(t, "newPriority"))
			}
			_, err := ref.engine.Update(ctx, refIDs[idx], patch)
			require.NoError(t, err)
			_, err = sub.engine.Update(ctx, subIDs[idx], patch)
			require.NoError(t, err)

		case "delete":
			pos := rapid.IntRange(0, len(alive)-1).Draw(t, "deleteIdx")
			idx := alive[pos]
			opts := DeleteOptions{Permanent: rapid.Bool().Draw(t, "permanent")}
			_, err := ref.engine.Delete(ctx, refIDs[idx], opts)
			require.NoError(t, err)
			_, err = sub.engine.Delete(ctx, subIDs[idx], opts)
			require.NoError(t, err)
			alive = append(alive[:pos], alive[pos+1:]...)

		case "toggle":
			if sub.oracle.IsOnline() {
				sub.oracle.SetOnline(false)
			} else {
				sub.oracle.SetOnline(true)
				_, err := sub.engine.Sync(ctx)
				require.NoError(t, err)
			}
		}
	}

	sub.oracle.SetOnline(true)
	_, err := sub.engine.Sync(ctx)
	require.NoError(t, err)
	require.Empty(t, sub.engine.Pending())

	want := activeServerKeys(ref.remote)
	require.Equal(t, want, activeServerKeys(sub.remote))
	require.Equal(t, activeViewKeys(ref.engine), activeViewKeys(sub.engine))
	for _, n := range sub.engine.Notes() {
		require.True(t, n.Synced, "note %s still unsynced after a clean pass", n.ID)
	}

	before := sub.remote.svc.List()
	res, err := sub.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Succeeded)
	require.Equal(t, before, sub.remote.svc.List())
}

func TestEngine_Convergence_Properties(t *testing.T) {
	rapid.Check(t, testEngine_Convergence_Properties)
}

func FuzzEngine_Convergence_Properties(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(testEngine_Convergence_Properties))
}

func TestSync_MirrorRefreshKeepsWritesAcceptedDuringList(t *testing.T) {
	h := newHarness(t, true)
	edited := h.seed(t, "before")

	release := make(chan struct{})
	h.remote.setBlock(blockOn("list", release))
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(ctx)
		done <- err
	}()
	waitForCalls(t, h.remote, "list", 2)

	out, err := h.engine.Create(ctx, notes.NoteInput{Title: "fresh"})
	require.NoError(t, err)
	require.False(t, out.Queued)
	_, err = h.engine.Update(ctx, edited, notes.NotePatch{Title: notes.Ptr("after")})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)

	list := h.engine.Notes()
	assert.ElementsMatch(t, []string{"fresh", "after"}, titles(list))
	for _, n := range list {
		assert.True(t, n.Synced, "note %s", n.ID)
	}
	assert.Equal(t, 2, h.remote.svc.Len())
}

func TestRefresh_StaleListDoesNotHideReplayedCreate(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.Create(ctx, notes.NoteInput{Title: "queued"})
	require.NoError(t, err)
	h.oracle.SetOnline(true)

	// Only the first list blocks; it holds the server state from before the replay.
	release := make(chan struct{})
	var once sync.Once
	h.remote.setBlock(func(c call) <-chan struct{} {
		var ch <-chan struct{}
		if c.Method == "list" {
			once.Do(func() { ch = release })
		}
		return ch
	})
	refreshed := make(chan error, 1)
	go func() {
		_, err := h.engine.Refresh(ctx)
		refreshed <- err
	}()
	waitForCalls(t, h.remote, "list", 1)

	res, err := h.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	close(release)
	require.NoError(t, <-refreshed)

	list := h.engine.Notes()
	require.Len(t, list, 1)
	assert.Equal(t, "queued", list[0].Title)
	assert.True(t, list[0].ID.IsRemote())
	assert.True(t, list[0].Synced)
}
