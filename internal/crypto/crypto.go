// Package crypto protects the persisted sync state with a two-tier key hierarchy:
// - KEK (Key Encryption Key): derived from the master key and profile name using HKDF-SHA256
// - DEK (Data Encryption Key): random 32-byte key wrapped by the KEK with AES-256-GCM
//
// The DEK keys the SQLCipher state database and seals snapshots pushed to S3.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DEKSize is the size of a Data Encryption Key in bytes (256 bits)
	DEKSize = 32

	// KEKSize is the size of a Key Encryption Key in bytes (256 bits)
	KEKSize = 32

	// NonceSize is the size of the AES-GCM nonce in bytes (96 bits)
	NonceSize = 12

	tagSize = 16
)

// ErrSealedTooShort is returned when a sealed payload cannot hold a nonce and tag.
var ErrSealedTooShort = errors.New("sealed payload too short")

// DeriveKEK derives a Key Encryption Key for a profile.
// info = "profile:" + profile + ":v" + version, so each profile and each
// rotation gets its own key from the same master secret.
func DeriveKEK(masterKey []byte, profile string, version int) []byte {
	info := fmt.Sprintf("profile:%s:v%d", profile, version)

	// Salt is nil: the master key is already high-entropy.
	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte(info))

	kek := make([]byte, KEKSize)
	if _, err := io.ReadFull(hkdfReader, kek); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return kek
}

// GenerateDEK generates a new random Data Encryption Key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate DEK: %w", err)
	}
	return dek, nil
}

// EncryptDEK wraps a DEK with the KEK.
// Output format: nonce (12 bytes) || ciphertext || auth tag (16 bytes)
func EncryptDEK(kek, dek []byte) ([]byte, error) {
	if len(kek) != KEKSize {
		return nil, fmt.Errorf("KEK must be %d bytes, got %d", KEKSize, len(kek))
	}
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("DEK must be %d bytes, got %d", DEKSize, len(dek))
	}
	return Seal(kek, dek)
}

// DecryptDEK unwraps a DEK produced by EncryptDEK.
func DecryptDEK(kek, encryptedDEK []byte) ([]byte, error) {
	if len(kek) != KEKSize {
		return nil, fmt.Errorf("KEK must be %d bytes, got %d", KEKSize, len(kek))
	}
	dek, err := Open(kek, encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt DEK: %w", err)
	}
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("decrypted DEK is %d bytes, want %d", len(dek), DEKSize)
	}
	return dek, nil
}

// Seal encrypts plaintext with a 32-byte key using AES-256-GCM.
// Output format: nonce (12 bytes) || ciphertext || auth tag (16 bytes)
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+tagSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrSealedTooShort, len(sealed), NonceSize+tagSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed payload: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KEKSize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KEKSize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
