//go:build !windows

package client

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/oxy/internal/config"
	"github.com/postalsys/oxy/internal/server"
	"github.com/postalsys/oxy/internal/session"
	"github.com/postalsys/oxy/internal/session/sessiontest"
	"github.com/postalsys/oxy/internal/tunnel"
)

type harness struct {
	client *Client
	bob    *session.Session
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startClient(t *testing.T) *harness {
	t.Helper()
	alice, bob := sessiontest.Pair(t, nil, server.New(config.Default(), nil, nil))
	h := &harness{bob: bob, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	h.client = New(alice, Config{
		Stdin:    strings.NewReader(""),
		Stdout:   h.stdout,
		Stderr:   h.stderr,
		Username: "tester",
	})
	t.Cleanup(h.client.Close)
	return h
}

func mustParse(t *testing.T, lines ...string) []Metacommand {
	t.Helper()
	metas, err := ParseAll(lines)
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	return metas
}

func TestRunMetacommandsThenQuit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	h := startClient(t)
	ctx := sessiontest.Context(t)

	status, err := h.client.Run(ctx, mustParse(t,
		"exec echo hello",
		"ls "+dir,
		"quit",
		"exec echo never",
	))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if status != 0 {
		t.Errorf("Run() status = %d, want 0", status)
	}
	if got := h.stdout.String(); got != "hello\none.txt\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\none.txt\n")
	}
	if h.bob.Username() != "tester" {
		t.Errorf("peer username = %q, want tester", h.bob.Username())
	}
}

func TestRunReportsRejections(t *testing.T) {
	h := startClient(t)
	ctx := sessiontest.Context(t)

	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := h.client.Run(ctx, mustParse(t, "stat "+missing, "exec echo after", "quit")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(h.stderr.String(), "rejected by peer") {
		t.Errorf("stderr = %q, want a rejection notice", h.stderr.String())
	}
	if h.stdout.String() != "after\n" {
		t.Errorf("stdout = %q, later metacommands did not run", h.stdout.String())
	}
}

func TestFileMetacommands(t *testing.T) {
	local := t.TempDir()
	remote := t.TempDir()
	src := filepath.Join(local, "src.txt")
	if err := os.WriteFile(src, []byte("payload for the peer"), 0644); err != nil {
		t.Fatal(err)
	}
	h := startClient(t)
	ctx := sessiontest.Context(t)

	up := filepath.Join(remote, "up.txt")
	back := filepath.Join(local, "back.txt")
	for _, m := range mustParse(t,
		"upload "+src+" "+up,
		"download "+up+" "+back,
		"hash -a md5 "+up,
		"truncate "+up+" 7",
		"stat "+up,
	) {
		if err := h.client.Execute(ctx, m); err != nil {
			t.Fatalf("Execute(%s) error = %v", m, err)
		}
	}

	data, err := os.ReadFile(back)
	if err != nil || string(data) != "payload for the peer" {
		t.Errorf("downloaded = %q, %v", data, err)
	}
	out := h.stdout.String()
	if !strings.Contains(out, "  "+up+"\n") {
		t.Errorf("hash output missing: %q", out)
	}
	if !strings.Contains(out, "Size: 7 (7 B)\tregular file") {
		t.Errorf("stat output = %q", out)
	}
	if info, err := os.Stat(up); err != nil || info.Size() != 7 {
		t.Errorf("remote file after truncate: %v %v", info, err)
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestLocalForwardMetacommand(t *testing.T) {
	target := echoServer(t)
	local := freeAddr(t)
	h := startClient(t)
	ctx := sessiontest.Context(t)

	if err := h.client.Execute(ctx, mustParse(t, "L "+local+" "+target)[0]); err != nil {
		t.Fatalf("Execute(L) error = %v", err)
	}

	conn, err := net.DialTimeout("tcp", local, sessiontest.Timeout)
	if err != nil {
		t.Fatalf("dial forward: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(sessiontest.Timeout))

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}

	h.client.Close()
	if c, err := net.DialTimeout("tcp", local, time.Second); err == nil {
		c.Close()
		t.Error("forward still listening after Close")
	}
}

func TestTunnelOpenFailure(t *testing.T) {
	h := startClient(t)
	wantErr := errors.New("no tun for you")
	h.client.cfg.OpenTunnel = func(name string, tap bool) (tunnel.Device, error) {
		return nil, wantErr
	}
	ctx := sessiontest.Context(t)

	err := h.client.Execute(ctx, mustParse(t, "tun tun7 tun8")[0])
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute(tun) error = %v, want %v", err, wantErr)
	}
}

func TestRunEndsWithSession(t *testing.T) {
	h := startClient(t)
	h.bob.Close()
	ctx := sessiontest.Context(t)

	deadline := time.Now().Add(sessiontest.Timeout)
	for {
		select {
		case <-h.client.s.Done():
		default:
			if time.Now().After(deadline) {
				t.Fatal("alice did not notice the peer closing")
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		break
	}

	if status, err := h.client.Run(ctx, mustParse(t, "exec true")); err == nil || status == 0 {
		t.Errorf("Run() = %d, %v, want failure", status, err)
	}
}
