package host

import (
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/hostwire/kvplug/kvplug"
)

// shSupervisor builds a Supervisor around a /bin/sh one-liner standing in
// for a real server process.
func shSupervisor(t *testing.T, inScript string, inOpts SupervisorOpts) *Supervisor {
	inOpts.ExePath = "/bin/sh"
	inOpts.Args = []string{"-c", inScript}

	sup := NewSupervisor(inOpts)
	t.Cleanup(func() {
		if sup.CtxRunning() {
			sup.Stop()
		}
	})
	return sup
}

func TestSupervisorHandshake(t *testing.T) {
	sup := shSupervisor(t,
		`echo "1|1|tcp|127.0.0.1:9999|grpc|"; sleep 30`,
		SupervisorOpts{},
	)

	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}

	rec := sup.Handshake()
	if rec == nil {
		t.Fatal("no handshake record after Start")
	}
	if rec.Address != "127.0.0.1:9999" || rec.WireProtocol != "grpc" {
		t.Errorf("bad record: %+v", rec)
	}
	if sup.Pid() == 0 {
		t.Error("child pid not tracked")
	}

	sup.Stop()
	if sup.CtxRunning() {
		t.Error("supervisor still running after Stop")
	}
}

func TestSupervisorIgnoresNoise(t *testing.T) {
	sup := shSupervisor(t,
		`echo "starting up..."; echo "[INFO] loading config"; echo "1|1|tcp|127.0.0.1:7777|grpc|"; sleep 30`,
		SupervisorOpts{},
	)

	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	if sup.Handshake().Address != "127.0.0.1:7777" {
		t.Errorf("bad record: %+v", sup.Handshake())
	}
}

func TestSupervisorEarlyExit(t *testing.T) {
	sup := shSupervisor(t,
		`echo "fatal: cannot bind port" >&2; exit 3`,
		SupervisorOpts{},
	)

	err := sup.Start()
	if !kvplug.IsError(err, kvplug.ProcessExitedEarly) {
		t.Fatalf("expected ProcessExitedEarly, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot bind port") {
		t.Errorf("error should carry captured stderr: %v", err)
	}
}

func TestSupervisorHandshakeTimeout(t *testing.T) {
	sup := shSupervisor(t,
		`sleep 30`,
		SupervisorOpts{HandshakeTimeout: 300 * time.Millisecond},
	)

	err := sup.Start()
	if !kvplug.IsError(err, kvplug.HandshakeTimeout) {
		t.Fatalf("expected HandshakeTimeout, got %v", err)
	}

	// The child must be confirmed dead once Start returns.
	if pid := sup.Pid(); pid != 0 {
		if killErr := syscall.Kill(pid, 0); killErr == nil {
			t.Errorf("child pid %d still alive after timed-out Start", pid)
		}
	}
}

func TestSupervisorMissingExecutable(t *testing.T) {
	sup := NewSupervisor(SupervisorOpts{ExePath: "/no/such/server"})

	err := sup.Start()
	if !kvplug.IsError(err, kvplug.MissingExecutable) {
		t.Fatalf("expected MissingExecutable, got %v", err)
	}
}

func TestSupervisorMalformedHandshake(t *testing.T) {
	sup := shSupervisor(t,
		`echo "999|1|tcp|127.0.0.1:1|grpc|"; sleep 30`,
		SupervisorOpts{},
	)

	err := sup.Start()
	if !kvplug.IsError(err, kvplug.UnsupportedCoreVersion) {
		t.Fatalf("expected UnsupportedCoreVersion, got %v", err)
	}
}

func TestSupervisorForcedKill(t *testing.T) {
	// A child that traps SIGTERM forces escalation to SIGKILL.
	sup := shSupervisor(t,
		`trap "" TERM; echo "1|1|tcp|127.0.0.1:8888|grpc|"; while true; do sleep 1; done`,
		SupervisorOpts{StopGrace: 500 * time.Millisecond},
	)

	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	sup.Stop()
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("Stop returned before the grace period could have elapsed: %v", elapsed)
	}

	if pid := sup.Pid(); pid != 0 {
		if killErr := syscall.Kill(pid, 0); killErr == nil {
			t.Errorf("child pid %d survived forced kill", pid)
		}
	}
}

func TestSupervisorStopReapsProcessGroup(t *testing.T) {
	// A background grandchild inherits the stdout/stderr pipes; Stop must
	// take the whole process group down rather than wait out the
	// grandchild's sleep with the pipes held open.
	sup := shSupervisor(t,
		`sleep 30 & echo "1|1|tcp|127.0.0.1:6666|grpc|"; wait`,
		SupervisorOpts{StopGrace: time.Second},
	)

	if err := sup.Start(); err != nil {
		t.Fatal(err)
	}
	pid := sup.Pid()

	start := time.Now()
	sup.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop blocked %v on a leaked grandchild", elapsed)
	}

	if pid != 0 {
		if killErr := syscall.Kill(-pid, 0); killErr == nil {
			t.Errorf("process group %d still has live members", pid)
		}
	}
}

func TestSupervisorEnvContract(t *testing.T) {
	sup := NewSupervisor(SupervisorOpts{
		ExePath:        "/bin/sh",
		StorageDir:     "/tmp/kv",
		StorageBackend: "file",
		Crypto: kvplug.CryptoConfig{
			AuthMode: kvplug.AuthAutoMTLS,
			KeyType:  kvplug.KeyTypeEC,
			Curve:    "secp384r1",
		},
		ClientCertPEM: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----",
	})

	env := sup.spawnEnv()
	want := map[string]string{
		kvplug.EnvCookieKey:        kvplug.DefaultCookieKey,
		kvplug.DefaultCookieKey:    kvplug.DefaultCookieValue,
		kvplug.EnvProtocolVersions: "1",
		kvplug.EnvTLSMode:          "auto",
		kvplug.EnvTLSKeyType:       "ec",
		kvplug.EnvTLSCurve:         "secp384r1",
		kvplug.EnvAutoMTLS:         "true",
		kvplug.EnvStorageDir:       "/tmp/kv",
		kvplug.EnvStorageBackend:   "file",
	}

	got := map[string]string{}
	for _, entry := range env {
		if i := strings.Index(entry, "="); i > 0 {
			got[entry[:i]] = entry[i+1:]
		}
	}

	for key, value := range want {
		if got[key] != value {
			t.Errorf("env %s = %q, want %q", key, got[key], value)
		}
	}
	if !strings.Contains(got[kvplug.EnvClientCert], "BEGIN CERTIFICATE") {
		t.Errorf("client cert not handed over: %q", got[kvplug.EnvClientCert])
	}
}
