package view

import (
	"fmt"
	"testing"
	"time"

	"github.com/kuitang/notesync/internal/notes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

func remote(id int64, title string) notes.Note {
	return notes.Note{ID: notes.RemoteID(id), Title: title, Status: notes.StatusActive, Synced: true}
}

func local(token, title string, updated time.Time) notes.Note {
	n := notes.NewOfflineNote(notes.LocalID(token), notes.NoteInput{Title: title}, updated)
	return n
}

func noResolve(string) (int64, bool) { return 0, false }

func TestMerge_RemoteFirstThenOffline(t *testing.T) {
	t.Parallel()
	mirrored := []notes.Note{remote(2, "two"), remote(1, "one")}
	offlineNotes := []notes.Note{
		local("local-a", "old", epoch),
		local("local-b", "new", epoch.Add(time.Minute)),
	}

	got := Merge(mirrored, offlineNotes, noResolve)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"two", "one", "new", "old"}, titles(got))
	assert.True(t, got[0].Synced)
	assert.False(t, got[2].Synced)
}

func TestMerge_TranslatedOfflineCopySuppressed(t *testing.T) {
	t.Parallel()
	mirrored := []notes.Note{remote(7, "server copy")}
	offlineNotes := []notes.Note{local("local-a", "offline copy", epoch)}
	resolve := func(token string) (int64, bool) {
		if token == "local-a" {
			return 7, true
		}
		return 0, false
	}

	got := Merge(mirrored, offlineNotes, resolve)
	require.Len(t, got, 1)
	assert.Equal(t, "server copy", got[0].Title)
	assert.True(t, got[0].Synced)
}

func TestMerge_TranslatedButNotMirroredStillShown(t *testing.T) {
	t.Parallel()
	offlineNotes := []notes.Note{local("local-a", "offline copy", epoch)}
	resolve := func(string) (int64, bool) { return 7, true }

	got := Merge(nil, offlineNotes, resolve)
	require.Len(t, got, 1)
	assert.Equal(t, "offline copy", got[0].Title)
}

func TestMerge_ShadowOverlaysMirrorInPlace(t *testing.T) {
	t.Parallel()
	mirrored := []notes.Note{remote(4, "four"), remote(5, "A"), remote(6, "six")}
	shadow := remote(5, "B")
	shadow.ID = notes.ShadowID(5)
	shadow.Synced = false

	got := Merge(mirrored, []notes.Note{shadow}, noResolve)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"four", "B", "six"}, titles(got))
	assert.False(t, got[1].Synced)
	assert.Equal(t, notes.ShadowID(5), got[1].ID)
}

func TestMerge_PendingDeleteReadsUnsynced(t *testing.T) {
	t.Parallel()
	deleted := remote(3, "gone")
	deleted.Status = notes.StatusDeleted
	deleted.Synced = false
	confirmed := remote(4, "soft deleted on server")
	confirmed.Status = notes.StatusDeleted

	got := Merge([]notes.Note{deleted, confirmed}, nil, noResolve)
	assert.False(t, got[0].Synced)
	assert.True(t, got[1].Synced)
	assert.Empty(t, Active(got))
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	mirrored := []notes.Note{remote(1, "one")}
	offlineNotes := []notes.Note{local("local-b", "b", epoch), local("local-a", "a", epoch.Add(time.Hour))}
	before := fmt.Sprintf("%v%v", mirrored, offlineNotes)

	Merge(mirrored, offlineNotes, noResolve)
	assert.Equal(t, before, fmt.Sprintf("%v%v", mirrored, offlineNotes))
}

// =============================================================================
// Property: every input appears exactly once unless suppressed by translation
// =============================================================================

func testMerge_Cardinality_Properties(t *rapid.T) {
	nRemote := rapid.IntRange(0, 20).Draw(t, "nRemote")
	nLocal := rapid.IntRange(0, 20).Draw(t, "nLocal")

	var mirrored []notes.Note
	for i := 0; i < nRemote; i++ {
		mirrored = append(mirrored, remote(int64(i+1), fmt.Sprintf("r%d", i)))
	}
	translated := make(map[string]int64)
	var offlineNotes []notes.Note
	suppressed := 0
	for i := 0; i < nLocal; i++ {
		token := fmt.Sprintf("local-%03d", i)
		offlineNotes = append(offlineNotes, local(token, token, epoch.Add(time.Duration(i)*time.Second)))
		if nRemote > 0 && rapid.Bool().Draw(t, "translate") {
			target := int64(rapid.IntRange(1, nRemote).Draw(t, "target"))
			translated[token] = target
			suppressed++
		}
	}
	resolve := func(token string) (int64, bool) {
		id, ok := translated[token]
		return id, ok
	}

	got := Merge(mirrored, offlineNotes, resolve)
	if len(got) != nRemote+nLocal-suppressed {
		t.Fatalf("view has %d notes, want %d", len(got), nRemote+nLocal-suppressed)
	}
	for i := 0; i < nRemote; i++ {
		if got[i].ID != mirrored[i].ID {
			t.Fatalf("remote note %d out of place", i)
		}
	}
	for i := nRemote + 1; i < len(got); i++ {
		if got[i].UpdatedAt.After(got[i-1].UpdatedAt) {
			t.Fatalf("offline notes not ordered by UpdatedAt desc at %d", i)
		}
	}

	again := Merge(mirrored, offlineNotes, resolve)
	if fmt.Sprint(again) != fmt.Sprint(got) {
		t.Fatal("Merge is not deterministic")
	}
}

func TestMerge_Cardinality_Properties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testMerge_Cardinality_Properties)
}

func FuzzMerge_Cardinality_Properties(f *testing.F) {
	f.Add([]byte{0x00})
	f.Fuzz(rapid.MakeFuzz(testMerge_Cardinality_Properties))
}

func titles(list []notes.Note) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.Title)
	}
	return out
}
