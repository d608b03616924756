package s3client

import (
	"context"
	"errors"
	"fmt"

	"github.com/kuitang/notesync/internal/crypto"
	"github.com/kuitang/notesync/internal/syncstate"
)

const sealedContentType = "application/octet-stream"

// StateStore is a syncstate.Store that keeps one sealed snapshot object per
// profile. Snapshots are encrypted with the profile DEK before upload.
type StateStore struct {
	client *Client
	key    string
	dek    []byte
}

var _ syncstate.Store = (*StateStore)(nil)

// NewStateStore returns a store writing to "state/<profile>.snapshot".
func NewStateStore(client *Client, profile string, dek []byte) (*StateStore, error) {
	if len(dek) != crypto.DEKSize {
		return nil, fmt.Errorf("DEK must be %d bytes, got %d", crypto.DEKSize, len(dek))
	}
	return &StateStore{
		client: client,
		key:    ObjectKey(profile),
		dek:    dek,
	}, nil
}

// ObjectKey is the object key holding the snapshot of profile.
func ObjectKey(profile string) string {
	return "state/" + profile + ".snapshot"
}

// Load fetches and opens the snapshot. A missing object yields an empty state.
func (s *StateStore) Load(ctx context.Context) (*syncstate.State, error) {
	sealed, err := s.client.GetObject(ctx, s.key)
	if errors.Is(err, ErrObjectNotFound) {
		return syncstate.New(), nil
	}
	if err != nil {
		return nil, err
	}
	data, err := crypto.Open(s.dek, sealed)
	if err != nil {
		return nil, fmt.Errorf("s3client: open snapshot %q: %w", s.key, err)
	}
	return syncstate.Decode(data)
}

// Save seals the snapshot and replaces the object in one PUT.
func (s *StateStore) Save(ctx context.Context, st *syncstate.State) error {
	data, err := syncstate.Encode(st)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(s.dek, data)
	if err != nil {
		return fmt.Errorf("s3client: seal snapshot: %w", err)
	}
	return s.client.PutObject(ctx, s.key, sealed, sealedContentType)
}

// Reset deletes the stored snapshot.
func (s *StateStore) Reset(ctx context.Context) error {
	return s.client.DeleteObject(ctx, s.key)
}
