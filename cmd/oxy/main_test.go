package main

import (
	"bytes"
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/oxy/internal/keys"
	"github.com/postalsys/oxy/internal/mode"
)

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_key")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen", "--keyfile", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen error = %v", err)
	}

	k, err := keys.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !strings.Contains(out.String(), k.Public().String()) {
		t.Errorf("output %q does not show the public key", out.String())
	}
	if !strings.Contains(out.String(), k.Public().Fingerprint()) {
		t.Errorf("output %q does not show the fingerprint", out.String())
	}

	// Overwriting needs --force when stdin is not a terminal.
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen", "--keyfile", path, "--force"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen --force error = %v", err)
	}
	k2, err := keys.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if k2.Public() == k.Public() {
		t.Error("keygen --force kept the old key")
	}
}

func TestKeygenTLSCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"keygen", "--keyfile", filepath.Join(dir, "id"), "--tls-cert", certFile, "--tls-key", keyFile})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		t.Errorf("LoadX509KeyPair() error = %v", err)
	}

	cmd = newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"keygen", "--keyfile", filepath.Join(dir, "id2"), "--tls-cert", certFile})
	if err := cmd.Execute(); err == nil {
		t.Error("keygen accepted --tls-cert without --tls-key")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oxy.toml")
	data := `
[log]
level = "warn"

[identity]
peer = "from-config"
psk = "config-psk"
keyfile = "/etc/oxy/key"

[transport]
type = "ws"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	flags := &globalFlags{configPath: path, staticKey: "flag-psk", transport: "quic"}
	cfg, err := loadConfig(flags)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Transport.Type != "quic" {
		t.Errorf("transport = %q, want the flag value quic", cfg.Transport.Type)
	}
	if flags.peer != "from-config" || flags.keyfile != "/etc/oxy/key" {
		t.Errorf("identity defaults not applied: peer %q keyfile %q", flags.peer, flags.keyfile)
	}
	if flags.staticKey != "flag-psk" {
		t.Errorf("static key = %q, flag must win over config", flags.staticKey)
	}
}

func TestLoadConfigRejectsBadFlag(t *testing.T) {
	if _, err := loadConfig(&globalFlags{logLevel: "loud"}); err == nil {
		t.Error("loadConfig() accepted an invalid log level")
	}
}

func TestChildArgs(t *testing.T) {
	k, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := &mode.Bootstrap{Peer: k.Public(), Keyfile: "./server_key", PSK: "secret"}
	args := childArgs(&globalFlags{configPath: "/etc/oxy.yaml", logLevel: "debug"}, b)

	got := strings.Join(args, " ")
	want := "--peer " + k.Public().String() + " --keyfile ./server_key --config /etc/oxy.yaml --log-level debug"
	if got != want {
		t.Errorf("childArgs() = %q, want %q", got, want)
	}
	if strings.Contains(got, "secret") {
		t.Error("childArgs() leaks the pre-shared key")
	}
}

func TestSessionModeNeedsPeer(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs(mode.NormalizeArgs([]string{"serve-one", "--keyfile", filepath.Join(t.TempDir(), "k")}))
	err := cmd.Execute()
	if err == nil || err != mode.ErrMissingPeer {
		t.Errorf("Execute() error = %v, want %v", err, mode.ErrMissingPeer)
	}
}
