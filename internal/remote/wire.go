package remote

import (
	"time"

	"github.com/kuitang/notesync/internal/notes"
)

// Envelope wraps every response body of the notes API.
type Envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// WireNote is a note as the notes API encodes it.
type WireNote struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Format    string    `json:"format"`
	Color     *string   `json:"color,omitempty"`
	Status    string    `json:"status"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Note converts w into a synced note.
func (w WireNote) Note() notes.Note {
	n := notes.Note{
		ID:        notes.RemoteID(w.ID),
		Title:     w.Title,
		Content:   w.Content,
		Format:    w.Format,
		Status:    notes.Status(w.Status),
		Priority:  w.Priority,
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
		Synced:    true,
	}
	if n.Status == "" {
		n.Status = notes.StatusActive
	}
	if w.Color != nil {
		c := *w.Color
		n.Color = &c
	}
	return n
}

// FromNote converts a remote note to its wire form.
func FromNote(n notes.Note) WireNote {
	w := WireNote{
		ID:        n.ID.Remote(),
		Title:     n.Title,
		Content:   n.Content,
		Format:    n.Format,
		Status:    string(n.Status),
		Priority:  n.Priority,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if n.Color != nil {
		c := *n.Color
		w.Color = &c
	}
	return w
}
