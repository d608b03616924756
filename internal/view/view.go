// Package view computes the single note list presented to the user from the
// remote mirror and the offline notes.
package view

import (
	"sort"

	"github.com/kuitang/notesync/internal/notes"
)

// Resolver looks up the remote id a local token was translated to.
type Resolver func(token string) (int64, bool)

// Merge returns the presented view. It is pure: inputs are not modified and
// nothing is cached.
//
// Mirror notes come first in mirror order. A shadow replaces its mirror entry
// in place. An offline note whose token resolves to a mirrored remote id is
// dropped in favour of the mirror copy. Remaining offline notes follow, most
// recently updated first, ties by token.
func Merge(mirrored, offlineNotes []notes.Note, resolve Resolver) []notes.Note {
	shadows := make(map[int64]notes.Note)
	present := make(map[int64]bool, len(mirrored))
	for _, n := range mirrored {
		present[n.ID.Remote()] = true
	}

	var pending []notes.Note
	for _, n := range offlineNotes {
		if id, ok := n.ID.ShadowOf(); ok {
			if present[id] {
				shadows[id] = n
				continue
			}
			// Shadow of a note the server no longer lists: still show the edit.
			pending = append(pending, n)
			continue
		}
		if resolve != nil {
			if id, ok := resolve(n.ID.Token()); ok && present[id] {
				continue
			}
		}
		pending = append(pending, n)
	}

	out := make([]notes.Note, 0, len(mirrored)+len(pending))
	for _, n := range mirrored {
		if shadow, ok := shadows[n.ID.Remote()]; ok {
			s := shadow.Clone()
			s.Synced = false
			out = append(out, s)
			continue
		}
		m := n.Clone()
		// A mirror entry only reads as unsynced while its delete is queued.
		m.Synced = !(n.Status == notes.StatusDeleted && !n.Synced)
		out = append(out, m)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].UpdatedAt.Equal(pending[j].UpdatedAt) {
			return pending[i].UpdatedAt.After(pending[j].UpdatedAt)
		}
		return pending[i].ID.Token() < pending[j].ID.Token()
	})
	for _, n := range pending {
		c := n.Clone()
		c.Synced = false
		out = append(out, c)
	}
	return out
}

// Active filters out notes whose status is deleted.
func Active(list []notes.Note) []notes.Note {
	out := make([]notes.Note, 0, len(list))
	for _, n := range list {
		if n.Status != notes.StatusDeleted {
			out = append(out, n)
		}
	}
	return out
}
