package crypto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kuitang/notesync/internal/db"
)

// ErrProfileKeyNotFound is returned when a profile has no key entry yet.
var ErrProfileKeyNotFound = errors.New("profile key not found")

// KeyManager handles envelope encryption of per-profile state keys.
// It derives KEKs from the master key and stores wrapped DEKs in the keys database.
type KeyManager struct {
	masterKey []byte
	keys      *db.KeysDB
	now       func() time.Time
}

// NewKeyManager creates a KeyManager.
//
// Parameters:
//   - masterKey: The root secret for deriving KEKs (must be high-entropy, at least 32 bytes)
//   - keys: The keys database holding wrapped DEKs
func NewKeyManager(masterKey []byte, keys *db.KeysDB) *KeyManager {
	return &KeyManager{
		masterKey: masterKey,
		keys:      keys,
		now:       time.Now,
	}
}

// GetOrCreateDEK returns the DEK of profile, creating and storing one on
// first use.
func (km *KeyManager) GetOrCreateDEK(ctx context.Context, profile string) ([]byte, error) {
	pk, err := km.keys.GetProfileKey(ctx, profile)
	if err == nil {
		kek := DeriveKEK(km.masterKey, profile, int(pk.KEKVersion))
		return DecryptDEK(kek, pk.EncryptedDEK)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get profile key: %w", err)
	}

	dek, err := GenerateDEK()
	if err != nil {
		return nil, err
	}

	kekVersion := 1
	kek := DeriveKEK(km.masterKey, profile, kekVersion)
	encryptedDEK, err := EncryptDEK(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt DEK: %w", err)
	}

	err = km.keys.CreateProfileKey(ctx, db.ProfileKey{
		Profile:      profile,
		KEKVersion:   int64(kekVersion),
		EncryptedDEK: encryptedDEK,
		CreatedAt:    km.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store profile key: %w", err)
	}
	return dek, nil
}

// GetDEK returns the DEK of an existing profile, or ErrProfileKeyNotFound.
func (km *KeyManager) GetDEK(ctx context.Context, profile string) ([]byte, error) {
	pk, err := km.keys.GetProfileKey(ctx, profile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileKeyNotFound
		}
		return nil, fmt.Errorf("failed to get profile key: %w", err)
	}

	kek := DeriveKEK(km.masterKey, profile, int(pk.KEKVersion))
	return DecryptDEK(kek, pk.EncryptedDEK)
}

// RotateKEK re-wraps the DEK of profile under the next KEK version.
// The DEK itself does not change, so the state database stays readable.
func (km *KeyManager) RotateKEK(ctx context.Context, profile string) error {
	pk, err := km.keys.GetProfileKey(ctx, profile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProfileKeyNotFound
		}
		return fmt.Errorf("failed to get profile key: %w", err)
	}

	currentKEK := DeriveKEK(km.masterKey, profile, int(pk.KEKVersion))
	dek, err := DecryptDEK(currentKEK, pk.EncryptedDEK)
	if err != nil {
		return fmt.Errorf("failed to decrypt current DEK: %w", err)
	}

	newVersion := pk.KEKVersion + 1
	newKEK := DeriveKEK(km.masterKey, profile, int(newVersion))
	wrapped, err := EncryptDEK(newKEK, dek)
	if err != nil {
		return fmt.Errorf("failed to encrypt DEK with new KEK: %w", err)
	}

	err = km.keys.UpdateProfileKey(ctx, db.ProfileKey{
		Profile:      profile,
		KEKVersion:   newVersion,
		EncryptedDEK: wrapped,
		RotatedAt:    sql.NullInt64{Int64: km.now().Unix(), Valid: true},
	})
	if err != nil {
		return fmt.Errorf("failed to update profile key: %w", err)
	}
	return nil
}
