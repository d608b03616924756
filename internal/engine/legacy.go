package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/obs"
	"github.com/kuitang/notesync/internal/oplog"
)

// migrateLegacy turns create payloads left by the older storage format into
// offline notes with queued creates. Payloads that fail validation are
// dropped with a warning since they could never be replayed.
func (e *Engine) migrateLegacy(ctx context.Context) error {
	e.mu.Lock()
	legacy := e.state.Legacy
	if len(legacy) == 0 {
		e.mu.Unlock()
		return nil
	}
	logger := obs.From(ctx).With("pkg", "engine")

	migrated := 0
	for _, input := range legacy {
		if err := notes.ValidateInput(input); err != nil {
			logger.Warn("legacy_note_dropped", "title", input.Title, "error", err)
			continue
		}
		id := notes.LocalID(notes.LegacyPrefix + uuid.NewString())
		if err := e.state.Offline.Put(notes.NewOfflineNote(id, input, e.now())); err != nil {
			logger.Warn("legacy_note_dropped", "title", input.Title, "error", err)
			continue
		}
		payload := input
		e.state.Log.Append(oplog.Op{Kind: oplog.KindCreate, Target: id, Input: &payload})
		migrated++
	}
	e.state.Legacy = nil
	save := e.snapshotLocked()
	e.mu.Unlock()

	logger.Info("legacy_notes_migrated", "migrated", migrated, "total", len(legacy))
	return e.save(ctx, save)
}
