// Package offline keeps the notes that were created or last modified while the
// notes API was unreachable.
package offline

import (
	"fmt"

	"github.com/kuitang/notesync/internal/notes"
)

// Set maps local tokens to unsynced notes, preserving insertion order.
// It is not safe for concurrent use; the engine serialises access.
type Set struct {
	order []string
	notes map[string]notes.Note
}

// New creates an empty set.
func New() *Set {
	return &Set{notes: make(map[string]notes.Note)}
}

// Put inserts or replaces the note stored under its local identity.
// The stored copy is always marked unsynced.
func (s *Set) Put(n notes.Note) error {
	if !n.ID.IsLocal() {
		return fmt.Errorf("offline set only holds local identities, got %q", n.ID)
	}
	n = n.Clone()
	n.Synced = false
	token := n.ID.Token()
	if _, exists := s.notes[token]; !exists {
		s.order = append(s.order, token)
	}
	s.notes[token] = n
	return nil
}

// Get returns the note stored under token.
func (s *Set) Get(token string) (notes.Note, bool) {
	n, ok := s.notes[token]
	if !ok {
		return notes.Note{}, false
	}
	return n.Clone(), true
}

// Has reports whether token is present.
func (s *Set) Has(token string) bool {
	_, ok := s.notes[token]
	return ok
}

// Delete removes token and reports whether it was present.
func (s *Set) Delete(token string) bool {
	if _, ok := s.notes[token]; !ok {
		return false
	}
	delete(s.notes, token)
	for i, t := range s.order {
		if t == token {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of offline notes.
func (s *Set) Len() int {
	return len(s.notes)
}

// Tokens returns the stored tokens in insertion order.
func (s *Set) Tokens() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// List returns copies of all notes in insertion order.
func (s *Set) List() []notes.Note {
	out := make([]notes.Note, 0, len(s.order))
	for _, token := range s.order {
		out = append(out, s.notes[token].Clone())
	}
	return out
}

// Restore replaces the contents with notes loaded from storage.
func (s *Set) Restore(list []notes.Note) error {
	fresh := New()
	for _, n := range list {
		if fresh.Has(n.ID.Token()) {
			return fmt.Errorf("restore offline notes: duplicate %s", n.ID)
		}
		if err := fresh.Put(n); err != nil {
			return fmt.Errorf("restore offline notes: %w", err)
		}
	}
	*s = *fresh
	return nil
}
