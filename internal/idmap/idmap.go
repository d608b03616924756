// Package idmap mints local note identities and records their translation to
// server-assigned ids.
package idmap

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kuitang/notesync/internal/errs"
	"github.com/kuitang/notesync/internal/notes"
)

// Entry is one persisted local → remote translation.
type Entry struct {
	Local  string `json:"local"`
	Remote int64  `json:"remote"`
}

// Translator maps local tokens to remote ids. Translations are kept for the
// lifetime of the persisted session so stale references still resolve.
type Translator struct {
	mu      sync.RWMutex
	forward map[string]int64
	reverse map[int64]string
	newID   func() (uuid.UUID, error)
}

// New creates an empty translator.
func New() *Translator {
	return &Translator{
		forward: make(map[string]int64),
		reverse: make(map[int64]string),
		newID:   uuid.NewV7,
	}
}

// Mint returns a fresh local identity. Tokens are UUIDv7 based, so they sort
// by creation time and never repeat, including across restarts.
func (t *Translator) Mint() notes.Identity {
	id, err := t.newID()
	if err != nil {
		// NewV7 only fails when the system entropy source does.
		id = uuid.New()
	}
	return notes.LocalID(notes.LocalPrefix + id.String())
}

// Record establishes local → remote. Recording the same pair again is a no-op;
// recording a different remote for a known local is a TranslationConflict.
func (t *Translator) Record(local string, remote int64) error {
	if local == "" || remote <= 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("invalid translation %q → %d", local, remote))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.forward[local]; ok {
		if existing == remote {
			return nil
		}
		return errs.New(errs.TranslationConflict,
			fmt.Sprintf("local %s already translated to %d, refusing %d", local, existing, remote))
	}
	if owner, ok := t.reverse[remote]; ok && owner != local {
		return errs.New(errs.TranslationConflict,
			fmt.Sprintf("remote %d already owned by %s, refusing %s", remote, owner, local))
	}
	t.forward[local] = remote
	t.reverse[remote] = local
	return nil
}

// Resolve returns the remote id for local, if it has been translated.
func (t *Translator) Resolve(local string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.forward[local]
	return id, ok
}

// Reverse returns the local token that was translated to remote.
func (t *Translator) Reverse(remote int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	local, ok := t.reverse[remote]
	return local, ok
}

// Len returns the number of recorded translations.
func (t *Translator) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.forward)
}

// Entries returns all translations ordered by local token.
func (t *Translator) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.forward))
	for local, remote := range t.forward {
		out = append(out, Entry{Local: local, Remote: remote})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Local < out[j].Local })
	return out
}

// Restore replaces the translation table with entries loaded from storage.
func (t *Translator) Restore(entries []Entry) error {
	fresh := New()
	fresh.newID = t.newID
	for _, e := range entries {
		if err := fresh.Record(e.Local, e.Remote); err != nil {
			return fmt.Errorf("restore translations: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.forward = fresh.forward
	t.reverse = fresh.reverse
	return nil
}
