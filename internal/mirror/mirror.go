// Package mirror holds the last-known copy of the notes the API reported.
// It may be stale while offline.
package mirror

import (
	"fmt"

	"github.com/kuitang/notesync/internal/notes"
)

// Mirror is an ordered set of remote notes keyed by server id.
// It is not safe for concurrent use; the engine serialises access.
//
// Every change bumps a version counter and stamps the changed id, so a list
// fetched before some change can be installed without undoing it.
type Mirror struct {
	order []int64
	notes map[int64]notes.Note

	version   uint64
	changed   map[int64]uint64
	installed uint64
}

// New creates an empty mirror.
func New() *Mirror {
	return &Mirror{notes: make(map[int64]notes.Note), changed: make(map[int64]uint64)}
}

// Version returns the current change counter. Record it before fetching a
// list and pass it to ReplaceSince.
func (m *Mirror) Version() uint64 {
	return m.version
}

func (m *Mirror) touch(id int64) {
	if m.changed == nil {
		m.changed = make(map[int64]uint64)
	}
	m.version++
	m.changed[id] = m.version
}

func build(list []notes.Note) (*Mirror, error) {
	fresh := New()
	for _, n := range list {
		if !n.ID.IsRemote() {
			return nil, fmt.Errorf("mirror only holds remote identities, got %q", n.ID)
		}
		id := n.ID.Remote()
		if _, dup := fresh.notes[id]; !dup {
			fresh.order = append(fresh.order, id)
		}
		fresh.notes[id] = n.Clone()
	}
	return fresh, nil
}

// Replace swaps the contents for list, keeping its order. It is meant for
// restoring persisted state; use ReplaceSince for lists fetched from the API.
func (m *Mirror) Replace(list []notes.Note) error {
	fresh, err := build(list)
	if err != nil {
		return err
	}
	fresh.version = m.version
	fresh.installed = m.version
	*m = *fresh
	return nil
}

// ReplaceSince installs a list fetched when the mirror was at version mark.
// Entries changed after mark keep their current copy: present ones stay
// (new ones go in front, in mirror order) and removed ones stay removed.
// A list older than the one last installed is discarded and false returned.
func (m *Mirror) ReplaceSince(list []notes.Note, mark uint64) (bool, error) {
	if mark < m.installed {
		return false, nil
	}
	fresh, err := build(list)
	if err != nil {
		return false, err
	}

	var front []int64
	for _, id := range m.order {
		if m.changed[id] <= mark {
			continue
		}
		if _, ok := fresh.notes[id]; !ok {
			front = append(front, id)
		}
		fresh.notes[id] = m.notes[id].Clone()
	}
	fresh.order = append(front, fresh.order...)

	for id, v := range m.changed {
		if v <= mark {
			continue
		}
		if _, kept := m.notes[id]; !kept {
			if _, listed := fresh.notes[id]; listed {
				delete(fresh.notes, id)
				fresh.order = removeID(fresh.order, id)
			}
		}
		fresh.changed[id] = v
	}
	fresh.version = m.version
	fresh.installed = mark
	*m = *fresh
	return true, nil
}

func removeID(order []int64, id int64) []int64 {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// Prepend inserts n at the front, or replaces it in place if already present.
func (m *Mirror) Prepend(n notes.Note) error {
	if !n.ID.IsRemote() {
		return fmt.Errorf("mirror only holds remote identities, got %q", n.ID)
	}
	id := n.ID.Remote()
	if _, ok := m.notes[id]; !ok {
		m.order = append([]int64{id}, m.order...)
	}
	m.notes[id] = n.Clone()
	m.touch(id)
	return nil
}

// Upsert replaces n in place, or appends it if new.
func (m *Mirror) Upsert(n notes.Note) error {
	if !n.ID.IsRemote() {
		return fmt.Errorf("mirror only holds remote identities, got %q", n.ID)
	}
	id := n.ID.Remote()
	if _, ok := m.notes[id]; !ok {
		m.order = append(m.order, id)
	}
	m.notes[id] = n.Clone()
	m.touch(id)
	return nil
}

// Get returns the note with server id.
func (m *Mirror) Get(id int64) (notes.Note, bool) {
	n, ok := m.notes[id]
	if !ok {
		return notes.Note{}, false
	}
	return n.Clone(), true
}

// Has reports whether id is present.
func (m *Mirror) Has(id int64) bool {
	_, ok := m.notes[id]
	return ok
}

// Remove drops id and reports whether it was present.
func (m *Mirror) Remove(id int64) bool {
	if _, ok := m.notes[id]; !ok {
		return false
	}
	delete(m.notes, id)
	m.order = removeID(m.order, id)
	m.touch(id)
	return true
}

// MarkDeleted flags id as deleted. synced records whether the server has
// confirmed the delete.
func (m *Mirror) MarkDeleted(id int64, synced bool) bool {
	n, ok := m.notes[id]
	if !ok {
		return false
	}
	n.Status = notes.StatusDeleted
	n.Synced = synced
	m.notes[id] = n
	m.touch(id)
	return true
}

// Len returns the number of mirrored notes.
func (m *Mirror) Len() int {
	return len(m.notes)
}

// List returns copies of all notes in mirror order.
func (m *Mirror) List() []notes.Note {
	out := make([]notes.Note, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.notes[id].Clone())
	}
	return out
}
