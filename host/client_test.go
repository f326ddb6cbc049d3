package host

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/hostwire/kvplug/kvplug"
	"github.com/hostwire/kvplug/service"
)

// startBackingServer runs a real KV server in-process and returns a client
// whose spawned "server" is a shell stub announcing the in-process address.
// This exercises the full host path (spawn, handshake scan, dial, RPC)
// without needing a separate binary.
func startBackingServer(t *testing.T) (*service.Server, string) {
	os.Setenv(kvplug.DefaultCookieKey, kvplug.DefaultCookieValue)
	t.Cleanup(func() { os.Unsetenv(kvplug.DefaultCookieKey) })

	dir, err := ioutil.TempDir("", "kvplug-host-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	var out bytes.Buffer
	s := service.NewServer(service.Opts{
		StorageDir:   dir,
		HandshakeOut: &out,
	})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.CtxStop("test done")
		s.CtxWait()
	})

	return s, strings.TrimSpace(out.String())
}

func stubClient(t *testing.T, inLine string) *Client {
	cl := NewClient(ClientOpts{
		ExePath: "/bin/sh",
		Args:    []string{"-c", fmt.Sprintf(`echo '%s'; sleep 30`, inLine)},
	})
	t.Cleanup(cl.Close)
	return cl
}

func TestClientEndToEnd(t *testing.T) {
	_, line := startBackingServer(t)
	cl := stubClient(t, line)

	if cl.State() != kvplug.ConnNotStarted {
		t.Errorf("initial state = %v", cl.State())
	}

	if err := cl.Start(); err != nil {
		t.Fatal(err)
	}
	if cl.State() != kvplug.ConnConnected {
		t.Errorf("state after Start = %v", cl.State())
	}

	ctx := context.Background()
	if err := cl.Put(ctx, "alpha", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := cl.Get(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}

	cl.Close()
	if cl.State() != kvplug.ConnClosed {
		t.Errorf("state after Close = %v", cl.State())
	}
}

func TestClientServerLossMarksFailed(t *testing.T) {
	_, line := startBackingServer(t)

	// The stand-in process dies shortly after announcing itself. Losing the
	// server asynchronously must end in Failed; only a caller-driven Close
	// ends in Closed.
	cl := NewClient(ClientOpts{
		ExePath: "/bin/sh",
		Args:    []string{"-c", fmt.Sprintf(`echo '%s'; sleep 1`, line)},
	})
	t.Cleanup(cl.Close)

	if err := cl.Start(); err != nil {
		t.Fatal(err)
	}

	cl.CtxWait()
	if cl.State() != kvplug.ConnFailed {
		t.Errorf("state after server loss = %v, want Failed", cl.State())
	}

	cl.Close()
	if cl.State() != kvplug.ConnFailed {
		t.Errorf("Close after a loss must not relabel the state: %v", cl.State())
	}
}

func TestClientNotFound(t *testing.T) {
	_, line := startBackingServer(t)
	cl := stubClient(t, line)

	if err := cl.Start(); err != nil {
		t.Fatal(err)
	}

	_, err := cl.Get(context.Background(), "never-written")
	if !kvplug.IsError(err, kvplug.KeyNotFound) {
		t.Errorf("expected KeyNotFound, got %v", err)
	}
}

func TestClientRejectedKey(t *testing.T) {
	_, line := startBackingServer(t)
	cl := stubClient(t, line)

	if err := cl.Start(); err != nil {
		t.Fatal(err)
	}

	err := cl.Put(context.Background(), "bad key!", []byte("v"))
	if !kvplug.IsError(err, kvplug.InvalidKey) {
		t.Errorf("expected InvalidKey, got %v", err)
	}
}

func TestClientCallsBeforeStart(t *testing.T) {
	cl := NewClient(ClientOpts{ExePath: "/bin/sh"})

	if err := cl.Put(context.Background(), "k", nil); !kvplug.IsError(err, kvplug.ClientNotStarted) {
		t.Errorf("expected ClientNotStarted, got %v", err)
	}
	if _, err := cl.Get(context.Background(), "k"); !kvplug.IsError(err, kvplug.ClientNotStarted) {
		t.Errorf("expected ClientNotStarted, got %v", err)
	}
}

func TestClientFailedStartThenClose(t *testing.T) {
	cl := NewClient(ClientOpts{ExePath: "/no/such/binary"})

	err := cl.Start()
	if !kvplug.IsError(err, kvplug.MissingExecutable) {
		t.Fatalf("expected MissingExecutable, got %v", err)
	}
	if cl.State() != kvplug.ConnFailed {
		t.Errorf("state after failed Start = %v", cl.State())
	}

	// Close after a failed Start must be a safe no-op, repeatedly.
	cl.Close()
	cl.Close()
}

func TestClientPreflightBlocksUnsupportedPair(t *testing.T) {
	cl := NewClient(ClientOpts{
		ExePath: "/usr/bin/python3",
		Crypto: kvplug.CryptoConfig{
			AuthMode: kvplug.AuthAutoMTLS,
			KeyType:  kvplug.KeyTypeEC,
			Curve:    "secp521r1",
		},
	})
	t.Cleanup(cl.Close)

	// go client -> python server is fine as a pair, but secp521r1 is not
	// available on the python side; the pre-flight must catch it before any
	// spawn attempt.
	err := cl.Start()
	if !kvplug.IsError(err, kvplug.UnsupportedCurve) {
		t.Fatalf("expected UnsupportedCurve, got %v", err)
	}
}

func TestClientManualModeFailsFast(t *testing.T) {
	cl := NewClient(ClientOpts{
		ExePath: "/bin/sh",
		Crypto:  kvplug.CryptoConfig{AuthMode: kvplug.AuthManual},
	})
	t.Cleanup(cl.Close)

	err := cl.Start()
	if !kvplug.IsError(err, kvplug.MissingManualCredentials) {
		t.Fatalf("expected MissingManualCredentials, got %v", err)
	}
}
