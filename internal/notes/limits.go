package notes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kuitang/notesync/internal/errs"
)

const (
	// MaxTitleBytes is the largest title accepted for a note.
	MaxTitleBytes = 512

	// MaxContentBytes is the largest body accepted for a note (1MB).
	MaxContentBytes = 1024 * 1024

	// MaxPriority bounds the priority field in both directions.
	MaxPriority = 1000
)

var (
	// ErrTitleRequired is returned when a create payload has a blank title.
	ErrTitleRequired = errors.New("title is required")

	// ErrNoteTooLarge is returned when a title or body exceeds its limit.
	ErrNoteTooLarge = errors.New("note exceeds size limit")

	// ErrEmptyPatch is returned for an update that changes nothing.
	ErrEmptyPatch = errors.New("update has no fields")
)

// ValidateInput checks a create payload. The same rules apply online and
// offline so a queued create is never rejected later for its shape.
func ValidateInput(input NoteInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return errs.Wrap(errs.InvalidArgument, "title is required", ErrTitleRequired)
	}
	if err := checkSizes(&input.Title, &input.Content); err != nil {
		return err
	}
	return checkPriority(input.Priority)
}

// ValidatePatch checks an update payload.
func ValidatePatch(patch NotePatch) error {
	if patch.IsEmpty() {
		return errs.Wrap(errs.InvalidArgument, "update has no fields", ErrEmptyPatch)
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return errs.Wrap(errs.InvalidArgument, "title cannot be blank", ErrTitleRequired)
	}
	if err := checkSizes(patch.Title, patch.Content); err != nil {
		return err
	}
	return checkPriority(patch.Priority)
}

func checkSizes(title, content *string) error {
	if title != nil && len(*title) > MaxTitleBytes {
		return errs.Wrap(errs.InvalidArgument,
			fmt.Sprintf("title is %d bytes, limit is %d", len(*title), MaxTitleBytes), ErrNoteTooLarge)
	}
	if content != nil && len(*content) > MaxContentBytes {
		return errs.Wrap(errs.InvalidArgument,
			fmt.Sprintf("content is %d bytes, limit is %d", len(*content), MaxContentBytes), ErrNoteTooLarge)
	}
	return nil
}

func checkPriority(p *int) error {
	if p != nil && (*p > MaxPriority || *p < -MaxPriority) {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("priority must be within ±%d", MaxPriority))
	}
	return nil
}
