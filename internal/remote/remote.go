// Package remote talks to the notes API.
package remote

import (
	"context"

	"github.com/kuitang/notesync/internal/notes"
)

// Store is the notes API as seen by the sync engine. Errors are *errs.Error
// carrying Unauthorized, NotFound, InvalidArgument, ServerError or Unavailable.
type Store interface {
	Create(ctx context.Context, input notes.NoteInput) (notes.Note, error)
	Update(ctx context.Context, id int64, patch notes.NotePatch) (notes.Note, error)
	Delete(ctx context.Context, id int64, permanent bool) error
	List(ctx context.Context) ([]notes.Note, error)
	Get(ctx context.Context, id int64) (notes.Note, error)
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to requests made with ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key attached by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
