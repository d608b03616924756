package notes

import (
	"time"
)

// Status is the lifecycle state of a note as reported by the notes API.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// DefaultFormat is applied when a create payload leaves Format empty.
const DefaultFormat = "markdown"

// Note represents a note as presented to the user.
// Synced is false while any local change to it has not been confirmed remotely.
type Note struct {
	ID        Identity  `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Format    string    `json:"format"`
	Color     *string   `json:"color,omitempty"`
	Status    Status    `json:"status"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Synced    bool      `json:"synced"`
}

// Clone returns a deep copy of n.
func (n Note) Clone() Note {
	if n.Color != nil {
		c := *n.Color
		n.Color = &c
	}
	return n
}

// NoteInput contains parameters for creating a note
type NoteInput struct {
	Title    string  `json:"title"`
	Content  string  `json:"content"`
	Format   string  `json:"format"`
	Color    *string `json:"color,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// NotePatch contains parameters for updating a note.
// Every field is optional (pointer to distinguish empty string from omitted).
type NotePatch struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Format   *string `json:"format,omitempty"`
	Color    *string `json:"color,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p NotePatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.Format == nil && p.Color == nil && p.Priority == nil
}

// Apply merges the set fields of p into n. UpdatedAt is left to the caller.
func (p NotePatch) Apply(n *Note) {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Format != nil {
		n.Format = *p.Format
	}
	if p.Color != nil {
		c := *p.Color
		n.Color = &c
	}
	if p.Priority != nil {
		n.Priority = *p.Priority
	}
}

// Merge returns a patch with the fields of next layered over p.
func (p NotePatch) Merge(next NotePatch) NotePatch {
	out := p
	if next.Title != nil {
		out.Title = next.Title
	}
	if next.Content != nil {
		out.Content = next.Content
	}
	if next.Format != nil {
		out.Format = next.Format
	}
	if next.Color != nil {
		out.Color = next.Color
	}
	if next.Priority != nil {
		out.Priority = next.Priority
	}
	return out
}

// NewOfflineNote builds the unsynced note recorded for a create made while offline.
func NewOfflineNote(id Identity, input NoteInput, now time.Time) Note {
	n := Note{
		ID:        id,
		Title:     input.Title,
		Content:   input.Content,
		Format:    input.Format,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Synced:    false,
	}
	if n.Format == "" {
		n.Format = DefaultFormat
	}
	if input.Color != nil {
		c := *input.Color
		n.Color = &c
	}
	if input.Priority != nil {
		n.Priority = *input.Priority
	}
	return n
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
