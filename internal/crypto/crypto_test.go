package crypto

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/oxy/internal/keys"
	"github.com/postalsys/oxy/internal/mode"
)

func TestGenerateEphemeralKeypair(t *testing.T) {
	priv1, pub1, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	if priv1 == zeroKey {
		t.Error("private key is zero")
	}
	if pub1 == zeroKey {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() second call error = %v", err)
	}
	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestComputeECDH(t *testing.T) {
	privA, pubA, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() A error = %v", err)
	}
	privB, pubB, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() B error = %v", err)
	}

	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH(A, pubB) error = %v", err)
	}
	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH(B, pubA) error = %v", err)
	}
	if secretA != secretB {
		t.Error("shared secrets do not match")
	}
}

func TestComputeECDH_ZeroKey(t *testing.T) {
	priv, _, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}
	var zeroKey [KeySize]byte
	if _, err := ComputeECDH(priv, zeroKey); err == nil {
		t.Error("ComputeECDH() with zero key should fail")
	}
}

func keyPair(t *testing.T, pskA, pskB string) (*SessionKey, *SessionKey) {
	t.Helper()
	privA, pubA, _ := GenerateEphemeralKeypair()
	privB, pubB, _ := GenerateEphemeralKeypair()
	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatal(err)
	}
	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatal(err)
	}
	return DeriveSessionKey(secretA, pskA, pubA, pubB, true),
		DeriveSessionKey(secretB, pskB, pubA, pubB, false)
}

func TestSealOpen(t *testing.T) {
	alice, bob := keyPair(t, "psk", "psk")

	for i, msg := range []string{"first", "second", ""} {
		sealed, err := alice.Seal(nil, []byte(msg))
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if len(sealed) != len(msg)+TagSize {
			t.Errorf("sealed length = %d, want %d", len(sealed), len(msg)+TagSize)
		}
		opened, err := bob.Open(nil, sealed)
		if err != nil {
			t.Fatalf("Open() record %d error = %v", i, err)
		}
		if string(opened) != msg {
			t.Errorf("Open() = %q, want %q", opened, msg)
		}
	}
}

func TestOpenRejectsReorderedRecords(t *testing.T) {
	alice, bob := keyPair(t, "psk", "psk")

	first, _ := alice.Seal(nil, []byte("one"))
	second, _ := alice.Seal(nil, []byte("two"))

	if _, err := bob.Open(nil, second); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open(out of order) error = %v, want ErrDecrypt", err)
	}
	if _, err := bob.Open(nil, first); err != nil {
		t.Errorf("Open(first) error = %v", err)
	}
}

func TestOpenRejectsReflectedRecords(t *testing.T) {
	alice, _ := keyPair(t, "psk", "psk")
	sealed, _ := alice.Seal(nil, []byte("echo"))

	// Alice must not accept her own record sent back to her.
	if _, err := alice.Open(nil, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open(reflected) error = %v, want ErrDecrypt", err)
	}
}

func TestDifferentPSKsDeriveDifferentKeys(t *testing.T) {
	alice, bob := keyPair(t, "one", "two")
	sealed, _ := alice.Seal(nil, []byte("secret"))
	if _, err := bob.Open(nil, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() error = %v, want ErrDecrypt", err)
	}
}

type side struct {
	id  *keys.PrivateKey
	psk string
}

func newIdentity(t *testing.T) *keys.PrivateKey {
	t.Helper()
	k, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate() error = %v", err)
	}
	return k
}

// handshakePair runs both handshakes over a pipe. alicePeer and bobPeer are
// the identities each side expects.
func handshakePair(t *testing.T, alice, bob side, alicePeer, bobPeer keys.PublicKey) (*Conn, *Conn, error, error) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn *Conn
		err  error
	}
	bobCh := make(chan result, 1)
	go func() {
		conn, err := Handshake(ctx, c2, Config{Perspective: mode.Bob, Identity: bob.id, Peer: bobPeer, PSK: bob.psk})
		if err != nil {
			c2.Close()
		}
		bobCh <- result{conn, err}
	}()

	aliceConn, aliceErr := Handshake(ctx, c1, Config{Perspective: mode.Alice, Identity: alice.id, Peer: alicePeer, PSK: alice.psk})
	if aliceErr != nil {
		c1.Close()
	}
	r := <-bobCh
	return aliceConn, r.conn, aliceErr, r.err
}

func TestHandshake(t *testing.T) {
	aliceID, bobID := newIdentity(t), newIdentity(t)
	a, b, errA, errB := handshakePair(t,
		side{aliceID, "shared"}, side{bobID, "shared"},
		bobID.Public(), aliceID.Public())
	if errA != nil || errB != nil {
		t.Fatalf("Handshake() errors = %v, %v", errA, errB)
	}

	// A payload larger than one record in each direction.
	payload := bytes.Repeat([]byte("0123456789abcdef"), MaxRecordSize/8)
	go func() {
		a.Write(payload)
		a.Write([]byte("tail"))
	}()
	got := make([]byte, len(payload)+4)
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if !bytes.Equal(got[:len(payload)], payload) || string(got[len(payload):]) != "tail" {
		t.Error("payload corrupted in transit")
	}

	go b.Write([]byte("reply"))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(a, buf); err != nil || string(buf) != "reply" {
		t.Errorf("reply = %q, %v", buf, err)
	}
}

func TestHandshakeWrongPeer(t *testing.T) {
	aliceID, bobID, mallory := newIdentity(t), newIdentity(t), newIdentity(t)
	_, _, errA, _ := handshakePair(t,
		side{aliceID, "shared"}, side{bobID, "shared"},
		mallory.Public(), aliceID.Public())
	if !errors.Is(errA, ErrPeerMismatch) {
		t.Errorf("Alice error = %v, want ErrPeerMismatch", errA)
	}
}

func TestHandshakeWrongPSK(t *testing.T) {
	aliceID, bobID := newIdentity(t), newIdentity(t)
	_, _, errA, errB := handshakePair(t,
		side{aliceID, "one"}, side{bobID, "two"},
		bobID.Public(), aliceID.Public())
	if errA == nil || errB == nil {
		t.Fatalf("Handshake() errors = %v, %v, want both to fail", errA, errB)
	}
	if !errors.Is(errB, ErrPSKMismatch) {
		t.Errorf("Bob error = %v, want ErrPSKMismatch", errB)
	}
}

func TestHandshakeRequiresIdentity(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	if _, err := Handshake(context.Background(), c1, Config{Perspective: mode.Alice}); err == nil {
		t.Error("Handshake() without identity succeeded")
	}
}

func TestHandshakeContextCancel(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Bob waits for a hello that never comes.
	_, err := Handshake(ctx, c1, Config{Perspective: mode.Bob, Identity: newIdentity(t)})
	if err == nil {
		t.Fatal("Handshake() succeeded without a peer")
	}
}
