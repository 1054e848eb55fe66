package keys

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateSignVerify(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	msg := []byte("handshake transcript")
	sig := k.Sign(msg)

	if !k.Public().Verify(msg, sig) {
		t.Error("Verify() = false for a valid signature")
	}
	if k.Public().Verify([]byte("other"), sig) {
		t.Error("Verify() = true for a different message")
	}
}

func TestParsePublicKey(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	parsed, err := ParsePublicKey(" " + k.Public().String() + "\n")
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	if parsed != k.Public() {
		t.Errorf("ParsePublicKey() = %s, want %s", parsed, k.Public())
	}

	tests := []string{
		"not base64!",
		base64.StdEncoding.EncodeToString([]byte("short")),
		"",
	}
	for _, s := range tests {
		if _, err := ParsePublicKey(s); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParsePublicKey(%q) error = %v, want ErrInvalidKey", s, err)
		}
	}
}

func TestFingerprint(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	fp := k.Public().Fingerprint()
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("Fingerprint() = %q, want SHA256: prefix", fp)
	}
	if fp != k.Public().Fingerprint() {
		t.Error("Fingerprint() is not stable")
	}
}

func TestStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "client_key")

	k, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := k.Store(path); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("keyfile mode = %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Public() != k.Public() {
		t.Errorf("Load() public key = %s, want %s", loaded.Public(), k.Public())
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Load() error = %v, want ErrKeyNotFound", err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_key")
	if err := os.WriteFile(path, []byte("@@@"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Load() error = %v, want ErrInvalidKey", err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_key")

	first, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created {
		t.Error("LoadOrCreate() created = false on first call")
	}
	if !Exists(path) {
		t.Error("Exists() = false after LoadOrCreate")
	}

	second, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if created {
		t.Error("LoadOrCreate() created = true on second call")
	}
	if first.Public() != second.Public() {
		t.Error("LoadOrCreate() returned a different key on second call")
	}
}

func TestMakePSK(t *testing.T) {
	a, err := MakePSK()
	if err != nil {
		t.Fatalf("MakePSK() error = %v", err)
	}
	b, err := MakePSK()
	if err != nil {
		t.Fatalf("MakePSK() error = %v", err)
	}
	if a == b {
		t.Error("MakePSK() returned the same key twice")
	}
	raw, err := base64.StdEncoding.DecodeString(a)
	if err != nil || len(raw) != PSKSize {
		t.Errorf("MakePSK() = %q, want %d base64 bytes", a, PSKSize)
	}
}
