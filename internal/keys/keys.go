// Package keys manages the long-term ed25519 identity keys and pre-shared
// keys used to authenticate sessions.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	// PublicKeySize is the size of an ed25519 public key in bytes.
	PublicKeySize = ed25519.PublicKeySize

	// SeedSize is the size of the private key seed stored in a keyfile.
	SeedSize = ed25519.SeedSize

	// PSKSize is the size of a generated pre-shared key in bytes.
	PSKSize = 32
)

var (
	// ErrKeyNotFound is returned when the keyfile does not exist.
	ErrKeyNotFound = errors.New("keyfile not found")

	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = errors.New("invalid key")
)

// PublicKey is an ed25519 public key identifying a peer.
type PublicKey [PublicKeySize]byte

// ParsePublicKey parses a base64 encoded public key as printed by keygen.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidKey, len(raw), PublicKeySize)
	}
	copy(pk[:], raw)
	return pk, nil
}

// String returns the base64 encoding of the key.
func (pk PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(pk[:])
}

// Fingerprint returns the OpenSSH style SHA256 fingerprint of the key.
func (pk PublicKey) Fingerprint() string {
	sshKey, err := ssh.NewPublicKey(ed25519.PublicKey(pk[:]))
	if err != nil {
		return "SHA256:?"
	}
	return ssh.FingerprintSHA256(sshKey)
}

// Verify reports whether sig is a valid signature of msg by this key.
func (pk PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), msg, sig)
}

// IsZero returns true for the zero key.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// PrivateKey is a long-term ed25519 identity.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// Generate creates a new random identity.
func Generate() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &PrivateKey{key: priv}, nil
}

// FromSeed rebuilds an identity from its 32-byte seed.
func FromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, expected %d", ErrInvalidKey, len(seed), SeedSize)
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// Public returns the public half of the identity.
func (k *PrivateKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], k.key.Public().(ed25519.PublicKey))
	return pk
}

// Sign signs msg with the identity.
func (k *PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.key, msg)
}

// Store writes the key seed to path. The file is written to a temporary
// name first and renamed into place.
func (k *PrivateKey) Store(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	encoded := base64.StdEncoding.EncodeToString(k.key.Seed()) + "\n"
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write keyfile: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist keyfile: %w", err)
	}
	return nil
}

// Load reads an identity from a keyfile written by Store.
func Load(path string) (*PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: keyfile %s: %v", ErrInvalidKey, path, err)
	}
	return FromSeed(seed)
}

// LoadOrCreate loads the keyfile at path, or generates and stores a new
// identity if it does not exist. The boolean reports whether a key was
// created.
func LoadOrCreate(path string) (*PrivateKey, bool, error) {
	k, err := Load(path)
	if err == nil {
		return k, false, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	k, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := k.Store(path); err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// Exists reports whether a keyfile is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MakePSK returns a random pre-shared key in its printable form.
func MakePSK() (string, error) {
	buf := make([]byte, PSKSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate pre-shared key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
