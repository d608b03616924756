package testutil

import (
	"fmt"
	"time"

	"pgregory.net/rapid"

	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/oplog"
	"github.com/kuitang/notesync/internal/syncstate"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

// ArbitraryTime generates UTC instants with nanosecond precision.
func ArbitraryTime() *rapid.Generator[time.Time] {
	return rapid.Custom(func(t *rapid.T) time.Time {
		offset := rapid.Int64Range(0, int64(365*24*time.Hour)).Draw(t, "offset")
		return epoch.Add(time.Duration(offset))
	})
}

// ArbitraryColor generates nil or a color string.
func ArbitraryColor() *rapid.Generator[*string] {
	return rapid.Custom(func(t *rapid.T) *string {
		if !rapid.Bool().Draw(t, "hasColor") {
			return nil
		}
		return notes.Ptr(ArbitraryString().Draw(t, "color"))
	})
}

// ArbitraryPatch generates a non-empty patch with arbitrary field values.
func ArbitraryPatch() *rapid.Generator[notes.NotePatch] {
	return rapid.Custom(func(t *rapid.T) notes.NotePatch {
		var p notes.NotePatch
		for p.IsEmpty() {
			if rapid.Bool().Draw(t, "setTitle") {
				p.Title = notes.Ptr(ArbitraryNoteTitle().Draw(t, "title"))
			}
			if rapid.Bool().Draw(t, "setContent") {
				p.Content = notes.Ptr(ArbitraryNoteContent().Draw(t, "content"))
			}
			if rapid.Bool().Draw(t, "setColor") {
				p.Color = notes.Ptr(ArbitraryString().Draw(t, "color"))
			}
			if rapid.Bool().Draw(t, "setPriority") {
				p.Priority = notes.Ptr(rapid.IntRange(-notes.MaxPriority, notes.MaxPriority).Draw(t, "priority"))
			}
		}
		return p
	})
}

// ArbitraryState generates a structurally valid state whose strings are
// drawn from the aggressive generators above.
func ArbitraryState() *rapid.Generator[*syncstate.State] {
	return rapid.Custom(func(t *rapid.T) *syncstate.State {
		s := syncstate.New()

		ids := rapid.SliceOfNDistinct(rapid.Int64Range(1, 1<<40), 0, 6, func(id int64) int64 { return id }).Draw(t, "remoteIDs")
		mirrored := make([]notes.Note, 0, len(ids))
		for _, id := range ids {
			n := notes.Note{
				ID:        notes.RemoteID(id),
				Title:     ArbitraryNoteTitle().Draw(t, "title"),
				Content:   ArbitraryNoteContent().Draw(t, "content"),
				Format:    rapid.SampledFrom([]string{notes.DefaultFormat, "plain", ""}).Draw(t, "format"),
				Color:     ArbitraryColor().Draw(t, "color"),
				Status:    rapid.SampledFrom([]notes.Status{notes.StatusActive, notes.StatusDeleted}).Draw(t, "status"),
				Priority:  rapid.IntRange(-notes.MaxPriority, notes.MaxPriority).Draw(t, "priority"),
				CreatedAt: ArbitraryTime().Draw(t, "created"),
				UpdatedAt: ArbitraryTime().Draw(t, "updated"),
				Synced:    rapid.Bool().Draw(t, "synced"),
			}
			mirrored = append(mirrored, n)
		}
		if err := s.Mirror.Replace(mirrored); err != nil {
			t.Fatalf("replace mirror: %v", err)
		}

		nLocal := rapid.IntRange(0, 5).Draw(t, "nLocal")
		for i := 0; i < nLocal; i++ {
			id := s.IDs.Mint()
			input := notes.NoteInput{
				Title:   ArbitraryNoteTitle().Draw(t, "offlineTitle"),
				Content: ArbitraryNoteContent().Draw(t, "offlineContent"),
				Color:   ArbitraryColor().Draw(t, "offlineColor"),
			}
			if rapid.Bool().Draw(t, "hasPriority") {
				input.Priority = notes.Ptr(rapid.IntRange(-notes.MaxPriority, notes.MaxPriority).Draw(t, "offlinePriority"))
			}
			if err := s.Offline.Put(notes.NewOfflineNote(id, input, ArbitraryTime().Draw(t, "offlineAt"))); err != nil {
				t.Fatalf("put offline note: %v", err)
			}
			s.Log.Append(oplog.Op{Kind: oplog.KindCreate, Target: id, Input: &input, EnqueuedAt: ArbitraryTime().Draw(t, "enqueued")})

			if rapid.Bool().Draw(t, "edited") {
				patch := ArbitraryPatch().Draw(t, "patch")
				s.Log.Append(oplog.Op{
					Kind:       oplog.KindUpdate,
					Target:     id,
					Patch:      &patch,
					Attempts:   rapid.IntRange(0, 5).Draw(t, "attempts"),
					InFlight:   rapid.Bool().Draw(t, "inFlight"),
					LastError:  ArbitraryString().Draw(t, "lastError"),
					EnqueuedAt: ArbitraryTime().Draw(t, "editedAt"),
				})
			}
			if rapid.Bool().Draw(t, "translated") {
				if err := s.IDs.Record(id.Token(), int64(1<<41)+int64(i)); err != nil {
					t.Fatalf("record translation: %v", err)
				}
			}
		}

		for _, id := range ids {
			if rapid.Bool().Draw(t, "shadowed") {
				base, _ := s.Mirror.Get(id)
				base.ID = notes.ShadowID(id)
				if err := s.Offline.Put(base); err != nil {
					t.Fatalf("put shadow: %v", err)
				}
				patch := ArbitraryPatch().Draw(t, "shadowPatch")
				s.Log.Append(oplog.Op{Kind: oplog.KindUpdate, Target: notes.RemoteID(id), Patch: &patch, EnqueuedAt: ArbitraryTime().Draw(t, "shadowAt")})
			}
			if rapid.Bool().Draw(t, "pendingDelete") {
				s.Log.Append(oplog.Op{
					Kind:       oplog.KindDelete,
					Target:     notes.RemoteID(id),
					Permanent:  rapid.Bool().Draw(t, "permanent"),
					EnqueuedAt: ArbitraryTime().Draw(t, "deletedAt"),
				})
			}
		}

		nLegacy := rapid.IntRange(0, 3).Draw(t, "nLegacy")
		for i := 0; i < nLegacy; i++ {
			s.Legacy = append(s.Legacy, notes.NoteInput{
				Title:   fmt.Sprintf("legacy %d: %s", i, ArbitraryNoteTitle().Draw(t, "legacyTitle")),
				Content: ArbitraryNoteContent().Draw(t, "legacyContent"),
			})
		}
		return s
	})
}
