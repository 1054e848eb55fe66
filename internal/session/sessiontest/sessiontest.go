// Package sessiontest connects session pairs in memory for tests of the
// packages that serve or drive exchanges.
package sessiontest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/session"
)

// Timeout bounds every wait in tests built on this package.
const Timeout = 10 * time.Second

// Pair runs an Alice and a Bob session over net.Pipe and waits until both
// completed the preamble. Bob serves exchanges with bob; alice may be nil.
func Pair(t testing.TB, alice, bob session.Handler) (*session.Session, *session.Session) {
	t.Helper()
	c1, c2 := net.Pipe()

	acfg := session.DefaultConfig(mode.Alice)
	acfg.Handler = alice
	bcfg := session.DefaultConfig(mode.Bob)
	bcfg.Handler = bob

	a := session.New(c1, acfg)
	b := session.New(c2, bcfg)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
	})

	for _, s := range []*session.Session{a, b} {
		select {
		case <-s.Ready():
		case <-s.Done():
			t.Fatalf("session ended before ready: %v", s.Err())
		case <-time.After(Timeout):
			t.Fatal("timeout waiting for preamble")
		}
	}
	return a, b
}

// Context returns a context bounded by Timeout.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	t.Cleanup(cancel)
	return ctx
}
