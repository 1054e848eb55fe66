// Package crypto secures the duplex stream a session runs over. It uses
// X25519 for key agreement, ed25519 identities for peer authentication,
// HKDF-SHA256 salted with the pre-shared key for derivation and
// ChaCha20-Poly1305 for the record layer.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 and ChaCha20-Poly1305 keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "oxy-session-v1"
)

// ErrDecrypt is returned when a record fails authentication.
var ErrDecrypt = errors.New("record authentication failed")

// GenerateEphemeralKeypair returns a fresh X25519 keypair for one
// handshake. Zero the private key once the secret is computed.
func GenerateEphemeralKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	// Clamp the private key per RFC 7748
	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	pub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return privateKey, publicKey, fmt.Errorf("derive public key: %w", err)
	}
	copy(publicKey[:], pub)
	return privateKey, publicKey, nil
}

// ComputeECDH performs X25519 Diffie-Hellman and returns the shared secret.
// Low-order peer keys are refused.
func ComputeECDH(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	var secret [KeySize]byte
	if remotePublicKey == ([KeySize]byte{}) {
		return secret, errors.New("peer ephemeral key is zero")
	}
	out, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return secret, fmt.Errorf("x25519: %w", err)
	}
	copy(secret[:], out)
	return secret, nil
}

// DeriveSessionKey derives the record keys of a session, one per
// direction. The pre-shared key salts the derivation, so peers holding
// different PSKs end up with different keys and fail the first record.
func DeriveSessionKey(sharedSecret [KeySize]byte, psk string,
	alicePub, bobPub [KeySize]byte, isAlice bool) *SessionKey {

	salt := sha256.Sum256([]byte(psk))
	info := make([]byte, 0, len(hkdfInfo)+2*KeySize)
	info = append(info, hkdfInfo...)
	info = append(info, alicePub[:]...)
	info = append(info, bobPub[:]...)

	var toBob, toAlice [KeySize]byte
	r := hkdf.New(sha256.New, sharedSecret[:], salt[:], info)
	if _, err := io.ReadFull(r, toBob[:]); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	if _, err := io.ReadFull(r, toAlice[:]); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	defer ZeroKey(&toBob)
	defer ZeroKey(&toAlice)

	if isAlice {
		return &SessionKey{send: mustAEAD(toBob), recv: mustAEAD(toAlice)}
	}
	return &SessionKey{send: mustAEAD(toAlice), recv: mustAEAD(toBob)}
}

func mustAEAD(key [KeySize]byte) cipher.AEAD {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(fmt.Sprintf("chacha20poly1305: %v", err))
	}
	return aead
}

// SessionKey seals and opens the records of one session. Records travel
// over an ordered stream, so nonces are implicit per-direction counters.
type SessionKey struct {
	send, recv           cipher.AEAD
	sendCount, recvCount uint64
}

// Seal encrypts one record. Callers serialize Seal calls.
func (s *SessionKey) Seal(dst, plaintext []byte) ([]byte, error) {
	if s.sendCount == math.MaxUint64 {
		return nil, errors.New("record counter exhausted")
	}
	nonce := counterNonce(s.sendCount)
	s.sendCount++
	return s.send.Seal(dst, nonce[:], plaintext, nil), nil
}

// Open decrypts the next record. Callers serialize Open calls.
func (s *SessionKey) Open(dst, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("%w: record too short: %d bytes", ErrDecrypt, len(ciphertext))
	}
	nonce := counterNonce(s.recvCount)
	plaintext, err := s.recv.Open(dst, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d", ErrDecrypt, s.recvCount)
	}
	s.recvCount++
	return plaintext, nil
}

// counterNonce is four zero bytes followed by the big-endian counter.
func counterNonce(counter uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[NonceSize-8:], counter)
	return nonce
}

// ZeroKey overwrites key material.
func ZeroKey(k *[KeySize]byte) {
	clear(k[:])
}
