package api

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/remote"
)

// Service is an in-memory notes backend with server-assigned integer ids.
type Service struct {
	mu     sync.Mutex
	nextID int64
	notes  map[int64]remote.WireNote
	// idem maps an Idempotency-Key to the note its create produced.
	idem map[string]int64
	now  func() time.Time
}

// NewService creates an empty backend.
func NewService() *Service {
	return &Service{
		nextID: 1,
		notes:  make(map[int64]remote.WireNote),
		idem:   make(map[string]int64),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source (tests).
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create stores a new note. A repeated idempotency key returns the note the
// first request created.
func (s *Service) Create(input notes.NoteInput, idempotencyKey string) (remote.WireNote, error) {
	if err := notes.ValidateInput(input); err != nil {
		return remote.WireNote{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := s.idem[idempotencyKey]; ok {
			if n, ok := s.notes[id]; ok {
				return n, nil
			}
		}
	}

	now := s.now()
	n := remote.WireNote{
		ID:        s.nextID,
		Title:     input.Title,
		Content:   input.Content,
		Format:    input.Format,
		Color:     input.Color,
		Status:    string(notes.StatusActive),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if n.Format == "" {
		n.Format = notes.DefaultFormat
	}
	if input.Priority != nil {
		n.Priority = *input.Priority
	}
	s.nextID++
	s.notes[n.ID] = n
	if idempotencyKey != "" {
		s.idem[idempotencyKey] = n.ID
	}
	return n, nil
}

// Get returns a note, including soft-deleted ones.
func (s *Service) Get(id int64) (remote.WireNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return remote.WireNote{}, errNotFound(id)
	}
	return n, nil
}

// List returns every stored note, newest first.
func (s *Service) List() []remote.WireNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.WireNote, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Update applies patch to a note.
func (s *Service) Update(id int64, patch notes.NotePatch) (remote.WireNote, error) {
	if err := notes.ValidatePatch(patch); err != nil {
		return remote.WireNote{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.notes[id]
	if !ok {
		return remote.WireNote{}, errNotFound(id)
	}
	n := w.Note()
	patch.Apply(&n)
	n.UpdatedAt = s.now()
	updated := remote.FromNote(n)
	s.notes[id] = updated
	return updated, nil
}

// Delete soft-deletes a note, or removes it entirely when permanent is set.
func (s *Service) Delete(id int64, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	if !ok {
		return errNotFound(id)
	}
	if permanent {
		delete(s.notes, id)
		return nil
	}
	n.Status = string(notes.StatusDeleted)
	n.UpdatedAt = s.now()
	s.notes[id] = n
	return nil
}

// Len returns the number of stored notes.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func errNotFound(id int64) error {
	return errs.New(errs.NotFound, fmt.Sprintf("note %d not found", id))
}
