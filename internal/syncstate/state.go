// Package syncstate bundles everything the client persists between runs and
// defines the storage boundary for it.
package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kuitang/notesync/internal/idmap"
	"github.com/kuitang/notesync/internal/mirror"
	"github.com/kuitang/notesync/internal/notes"
	"github.com/kuitang/notesync/internal/offline"
	"github.com/kuitang/notesync/internal/oplog"
)

// SchemaVersion is written into every snapshot.
const SchemaVersion = 1

// State is the client's durable state. The engine is its single owner.
type State struct {
	Mirror  *mirror.Mirror
	Offline *offline.Set
	Log     *oplog.Log
	IDs     *idmap.Translator

	// Legacy holds create payloads written by the older single-list storage
	// format that have not been migrated into the pending log yet.
	Legacy []notes.NoteInput
}

// New returns an empty state.
func New() *State {
	return &State{
		Mirror:  mirror.New(),
		Offline: offline.New(),
		Log:     oplog.New(),
		IDs:     idmap.New(),
	}
}

// Store loads and saves State.
type Store interface {
	// Load returns the stored state, or an empty state if none was saved yet.
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
}

// Snapshot is the serialisable form of State.
type Snapshot struct {
	Version      int               `json:"version"`
	SavedAt      time.Time         `json:"saved_at"`
	Mirror       []notes.Note      `json:"mirror"`
	Offline      []notes.Note      `json:"offline"`
	Ops          []oplog.Op        `json:"ops"`
	Translations []idmap.Entry     `json:"translations"`
	Legacy       []notes.NoteInput `json:"legacy,omitempty"`
}

// Snapshot copies s into its serialisable form.
func (s *State) Snapshot() Snapshot {
	legacy := make([]notes.NoteInput, len(s.Legacy))
	copy(legacy, s.Legacy)
	return Snapshot{
		Version:      SchemaVersion,
		SavedAt:      time.Now().UTC(),
		Mirror:       s.Mirror.List(),
		Offline:      s.Offline.List(),
		Ops:          s.Log.Ops(),
		Translations: s.IDs.Entries(),
		Legacy:       legacy,
	}
}

// FromSnapshot rebuilds State, validating every part.
func FromSnapshot(snap Snapshot) (*State, error) {
	if snap.Version > SchemaVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, SchemaVersion)
	}
	s := New()
	if err := s.Mirror.Replace(snap.Mirror); err != nil {
		return nil, fmt.Errorf("restore mirror: %w", err)
	}
	if err := s.Offline.Restore(snap.Offline); err != nil {
		return nil, err
	}
	if err := s.Log.Restore(snap.Ops); err != nil {
		return nil, err
	}
	if err := s.IDs.Restore(snap.Translations); err != nil {
		return nil, err
	}
	s.Legacy = append(s.Legacy, snap.Legacy...)
	return s, nil
}

// Encode serialises s as JSON.
func Encode(s *State) ([]byte, error) {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// Decode parses data produced by Encode. Empty input yields an empty state.
func Decode(data []byte) (*State, error) {
	if len(data) == 0 {
		return New(), nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return FromSnapshot(snap)
}
