package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/postalsys/oxy/internal/session"
	"github.com/postalsys/oxy/internal/session/sessiontest"
)

func serveForward(t *testing.T, cfg HandlerConfig) *session.Session {
	t.Helper()
	h := NewHandler(cfg, nil, nil)
	alice, _ := sessiontest.Pair(t, nil, session.HandlerFunc(func(ctx context.Context, ex *session.Exchange) {
		if !h.Serve(ctx, ex) {
			ex.Reject("operation not supported")
		}
	}))
	return alice
}

// echoServer echoes every connection and half-closes after the client does.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
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

func roundTrip(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(sessiontest.Timeout))
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.(halfCloser).CloseWrite()
		}
		errCh <- err
	}()
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("echo returned %d bytes, want %d", len(got), len(payload))
	}
}

func TestRemoteOpen(t *testing.T) {
	echo := echoServer(t)
	s := serveForward(t, DefaultHandlerConfig())
	ctx := sessiontest.Context(t)

	conn, err := SessionDialer{Session: s}.DialForward(ctx, echo)
	if err != nil {
		t.Fatalf("DialForward() error = %v", err)
	}
	defer conn.Close()

	roundTrip(t, conn, bytes.Repeat([]byte("oxy "), 20000))

	sc := conn.(*StreamConn)
	select {
	case <-sc.Exchange().Done():
	case <-ctx.Done():
		t.Fatal("stream did not complete after both half-closes")
	}
	if err := sc.Exchange().Err(); err != nil {
		t.Errorf("exchange error = %v", err)
	}
}

func TestRemoteOpenRefused(t *testing.T) {
	s := serveForward(t, DefaultHandlerConfig())
	ctx := sessiontest.Context(t)

	conn, err := SessionDialer{Session: s}.DialForward(ctx, freeAddr(t))
	if err != nil {
		t.Fatalf("DialForward() error = %v", err)
	}
	defer conn.Close()

	_, err = conn.Read(make([]byte, 1))
	note, ok := session.IsRejected(err)
	if !ok {
		t.Fatalf("Read() error = %v, want rejection", err)
	}
	if !strings.Contains(note, "refused") {
		t.Errorf("note = %q", note)
	}
}

func TestForwardDisabled(t *testing.T) {
	s := serveForward(t, HandlerConfig{})
	ctx := sessiontest.Context(t)

	conn, _ := SessionDialer{Session: s}.DialForward(ctx, "127.0.0.1:1")
	defer conn.Close()
	if _, err := conn.Read(make([]byte, 1)); err == nil || !strings.Contains(err.Error(), ErrDisabled.Error()) {
		t.Errorf("Read() error = %v", err)
	}

	if err := Knock(ctx, s, "127.0.0.1:9", []byte{1}); err == nil {
		t.Error("Knock() succeeded with forwarding disabled")
	}
}

func TestLocalForward(t *testing.T) {
	echo := echoServer(t)
	s := serveForward(t, DefaultHandlerConfig())

	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Target: echo}, SessionDialer{Session: s})
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer l.Stop()
	if err := l.Start(); err == nil {
		t.Error("second Start() succeeded")
	}

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", l.Address().String())
		if err != nil {
			t.Fatal(err)
		}
		roundTrip(t, conn, []byte(fmt.Sprintf("connection %d", i)))
		conn.Close()
	}
}

type failingDialer struct {
	calls atomic.Int64
}

func (d *failingDialer) DialForward(ctx context.Context, addr string) (net.Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("no route")
}

func TestListenerDialFailureClosesClient(t *testing.T) {
	dialer := &failingDialer{}
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Target: "x:1"}, dialer)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(sessiontest.Timeout))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read() error = %v, want EOF", err)
	}
	if dialer.calls.Load() != 1 {
		t.Errorf("dial calls = %d, want 1", dialer.calls.Load())
	}
}

func TestListenerStopClosesConnections(t *testing.T) {
	echo := echoServer(t)
	s := serveForward(t, DefaultHandlerConfig())
	l := NewListener(ListenerConfig{Address: "127.0.0.1:0", Target: echo}, SessionDialer{Session: s})
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("x"))
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(sessiontest.Timeout))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(sessiontest.Timeout):
		t.Fatal("Stop() did not return")
	}
	if l.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount() = %d after Stop", l.ConnectionCount())
	}
}

func TestRemoteForward(t *testing.T) {
	echo := echoServer(t)
	s := serveForward(t, DefaultHandlerConfig())
	ctx := sessiontest.Context(t)
	remote := freeAddr(t)

	rf, err := StartRemoteForward(ctx, s, remote, echo, nil)
	if err != nil {
		t.Fatalf("StartRemoteForward() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		var conn net.Conn
		for {
			conn, err = net.Dial("tcp", remote)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				t.Fatalf("remote bind never listened: %v", err)
			case <-time.After(10 * time.Millisecond):
			}
		}
		roundTrip(t, conn, []byte(fmt.Sprintf("reverse %d", i)))
		conn.Close()
	}

	if err := rf.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rf.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestRemoteForwardBindFailure(t *testing.T) {
	s := serveForward(t, DefaultHandlerConfig())
	ctx := sessiontest.Context(t)

	rf, err := StartRemoteForward(ctx, s, "256.0.0.1:1", "127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("StartRemoteForward() error = %v", err)
	}
	select {
	case <-rf.Done():
	case <-ctx.Done():
		t.Fatal("bind was not rejected")
	}
	if _, ok := session.IsRejected(rf.Err()); !ok {
		t.Errorf("Err() = %v, want rejection", rf.Err())
	}
}

func TestSOCKS(t *testing.T) {
	echo := echoServer(t)
	s := serveForward(t, DefaultHandlerConfig())

	srv, err := NewSOCKSServer(SessionDialer{Session: s}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	d, err := proxy.SOCKS5("tcp", srv.Address().String(), nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := d.Dial("tcp", echo)
	if err != nil {
		t.Fatalf("socks Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(sessiontest.Timeout))

	msg := []byte("through the peer")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("got %q, want %q", got, msg)
	}
}

func TestKnock(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	s := serveForward(t, DefaultHandlerConfig())

	knock := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := Knock(sessiontest.Context(t), s, pc.LocalAddr().String(), knock); err != nil {
		t.Fatalf("Knock() error = %v", err)
	}
	pc.SetReadDeadline(time.Now().Add(sessiontest.Timeout))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], knock) {
		t.Errorf("datagram = %x, want %x", buf[:n], knock)
	}
}

func TestParseKnock(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"de:ad:be:ef", []byte{0xde, 0xad, 0xbe, 0xef}, false},
		{"01 02", []byte{1, 2}, false},
		{"", nil, true},
		{"xyz", nil, true},
		{"abc", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseKnock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKnock(%q) error = %v", tt.in, err)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("ParseKnock(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestNetwork(t *testing.T) {
	if network("/run/app.sock") != "unix" {
		t.Error("absolute path should be a unix socket")
	}
	if network("127.0.0.1:80") != "tcp" {
		t.Error("host:port should be tcp")
	}
}
