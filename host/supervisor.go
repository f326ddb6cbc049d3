// Package host implements the host side of the plugin subsystem: spawning a
// server process, scanning its stdout for the handshake line, negotiating the
// secured channel, and exposing the KV service as a typed client.
package host

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hostwire/kvplug/ctx"
	"github.com/hostwire/kvplug/handshake"
	"github.com/hostwire/kvplug/kvplug"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the announcement line.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultStopGrace is how long a stopped process gets to exit on its own
	// before it is killed.
	DefaultStopGrace = 5 * time.Second

	stderrTailLines = 32
)

// SupervisorOpts configures a spawned server process.
type SupervisorOpts struct {
	ExePath string
	Args    []string

	// Extra environment entries layered over the spawn contract.
	Env map[string]string

	StorageDir     string
	StorageBackend string
	Crypto         kvplug.CryptoConfig

	// ClientCertPEM, when set in auto mode, is handed to the server so it can
	// require and verify the client certificate.
	ClientCertPEM string

	CookieKey   string
	CookieValue string

	HandshakeTimeout time.Duration
	StopGrace        time.Duration
}

// Supervisor owns one child server process from spawn to confirmed exit.
type Supervisor struct {
	ctx.Context

	opts SupervisorOpts
	cmd  *exec.Cmd
	rec  *handshake.Record

	exited  chan struct{}
	exitErr error

	tailMu     sync.Mutex
	stderrTail []string
}

// NewSupervisor creates a Supervisor, filling in contract defaults.
func NewSupervisor(inOpts SupervisorOpts) *Supervisor {
	if inOpts.CookieKey == "" {
		inOpts.CookieKey = kvplug.DefaultCookieKey
	}
	if inOpts.CookieValue == "" {
		inOpts.CookieValue = kvplug.DefaultCookieValue
	}
	if inOpts.HandshakeTimeout <= 0 {
		inOpts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if inOpts.StopGrace <= 0 {
		inOpts.StopGrace = DefaultStopGrace
	}

	sup := &Supervisor{
		opts:   inOpts,
		exited: make(chan struct{}),
	}
	sup.SetLogLabel("supervisor")
	return sup
}

// Handshake returns the record scanned from the child's stdout. Nil until
// Start succeeds.
func (sup *Supervisor) Handshake() *handshake.Record {
	return sup.rec
}

// Pid returns the child's process id, or 0 if not running.
func (sup *Supervisor) Pid() int {
	if sup.cmd == nil || sup.cmd.Process == nil {
		return 0
	}
	return sup.cmd.Process.Pid
}

// StderrTail returns the most recent stderr lines from the child, newest last.
func (sup *Supervisor) StderrTail() []string {
	sup.tailMu.Lock()
	defer sup.tailMu.Unlock()
	return append([]string(nil), sup.stderrTail...)
}

// Start spawns the child and blocks until its handshake line arrives (or the
// deadline passes, or the process dies first). On return with nil error the
// child is up and Handshake() is valid.
func (sup *Supervisor) Start() error {
	return sup.CtxStart(
		sup.onStart,
		sup.onAboutToStop,
		nil,
	)
}

// Stop initiates a graceful shutdown and blocks until the child has exited.
func (sup *Supervisor) Stop() {
	sup.CtxStop("host stop")
	sup.CtxWait()
}

func (sup *Supervisor) onStart() error {
	if err := sup.opts.Crypto.Validate(); err != nil {
		return err
	}

	if _, err := os.Stat(sup.opts.ExePath); err != nil {
		return kvplug.Errorf(err, kvplug.MissingExecutable,
			"server executable '%s' not found", sup.opts.ExePath)
	}

	sup.cmd = exec.Command(sup.opts.ExePath, sup.opts.Args...)
	sup.cmd.Env = sup.spawnEnv()

	// The child gets its own process group so stop/kill reaches any
	// grandchildren too; otherwise a forked helper holding our pipes open
	// would stall teardown past the grace period and leak.
	sup.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := sup.cmd.StdoutPipe()
	if err != nil {
		return kvplug.Errorf(err, kvplug.ChannelSetupFailed, "stdout pipe failed")
	}
	stderr, err := sup.cmd.StderrPipe()
	if err != nil {
		return kvplug.Errorf(err, kvplug.ChannelSetupFailed, "stderr pipe failed")
	}

	if err := sup.cmd.Start(); err != nil {
		return kvplug.Errorf(err, kvplug.MissingExecutable,
			"failed to spawn '%s'", sup.opts.ExePath)
	}
	sup.Infof(1, "spawned %s (pid %d)", sup.opts.ExePath, sup.cmd.Process.Pid)

	// Relay child stderr into our log, keeping a tail for error reporting.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			sup.appendStderr(line)
			sup.Infof(1, "plugin stderr: %s", line)
		}
	}()

	// One goroutine owns Wait; everyone else watches sup.exited. The stdout
	// scanner closes lineCh at EOF, so consumers drain it to completion.
	lineCh := make(chan string, 8)
	stdoutDone := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		close(lineCh)
		close(stdoutDone)
	}()
	go func() {
		<-stdoutDone
		<-stderrDone
		sup.exitErr = sup.cmd.Wait()
		close(sup.exited)
	}()

	rec, err := sup.awaitHandshake(lineCh)
	if err != nil {
		sup.kill()
		go func() {
			for range lineCh {
			}
		}()
		<-sup.exited
		return err
	}
	sup.rec = rec

	// Keep draining stdout chatter after the handshake, and fold the child's
	// exit into this Context's lifecycle.
	sup.CtxGo(func() {
		for line := range lineCh {
			sup.Infof(2, "plugin stdout: %s", line)
		}
	})
	sup.CtxGo(func() {
		select {
		case <-sup.exited:
			sup.Infof(1, "plugin exited: %v", sup.exitErr)
			sup.CtxStop("plugin process exited")
		case <-sup.CtxStopping():
		}
	})

	return nil
}

// awaitHandshake scans forwarded stdout lines for the first one shaped like a
// handshake, ignoring startup chatter, until the deadline or process exit.
func (sup *Supervisor) awaitHandshake(inLines <-chan string) (*handshake.Record, error) {
	wantTLS := sup.opts.Crypto.AuthMode != kvplug.AuthDisabled
	deadline := time.NewTimer(sup.opts.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-inLines:
			if !ok {
				// Stdout closed: the process died before announcing itself.
				<-sup.exited
				return nil, kvplug.Errorf(sup.exitErr, kvplug.ProcessExitedEarly,
					"server process exited before announcing itself; stderr:\n%s",
					strings.Join(sup.StderrTail(), "\n"))
			}
			if !handshake.IsHandshakeLine(line) {
				sup.Infof(2, "plugin stdout (pre-handshake): %s", line)
				continue
			}
			return handshake.Parse(line, wantTLS)

		case <-deadline.C:
			return nil, kvplug.Errorf(nil, kvplug.HandshakeTimeout,
				"no handshake line within %v", sup.opts.HandshakeTimeout)
		}
	}
}

// onAboutToStop tears the child down: SIGTERM, a grace period, then SIGKILL.
// Blocks until the exit is confirmed.
func (sup *Supervisor) onAboutToStop() {
	if sup.cmd == nil || sup.cmd.Process == nil {
		return
	}

	select {
	case <-sup.exited:
		return
	default:
	}

	sup.Infof(1, "stopping plugin (pid %d)", sup.cmd.Process.Pid)
	sup.signal(syscall.SIGTERM)

	select {
	case <-sup.exited:
	case <-time.After(sup.opts.StopGrace):
		sup.Warnf("plugin did not exit within %v, killing", sup.opts.StopGrace)
		sup.kill()
		<-sup.exited
	}
}

func (sup *Supervisor) kill() {
	sup.signal(syscall.SIGKILL)
}

// signal delivers inSig to the child's whole process group, falling back to
// the child alone if the group send fails.
func (sup *Supervisor) signal(inSig syscall.Signal) {
	if sup.cmd == nil || sup.cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-sup.cmd.Process.Pid, inSig); err != nil {
		sup.cmd.Process.Signal(inSig)
	}
}

func (sup *Supervisor) appendStderr(inLine string) {
	sup.tailMu.Lock()
	sup.stderrTail = append(sup.stderrTail, inLine)
	if len(sup.stderrTail) > stderrTailLines {
		sup.stderrTail = sup.stderrTail[len(sup.stderrTail)-stderrTailLines:]
	}
	sup.tailMu.Unlock()
}

// spawnEnv assembles the child environment: the parent env, the magic cookie,
// and the crypto/storage contract derived from the options.
func (sup *Supervisor) spawnEnv() []string {
	env := os.Environ()

	add := func(key, value string) {
		env = append(env, key+"="+value)
	}

	add(kvplug.EnvCookieKey, sup.opts.CookieKey)
	add(sup.opts.CookieKey, sup.opts.CookieValue)
	add(kvplug.EnvProtocolVersions, fmt.Sprint(kvplug.KVProtocolVersion))

	crypto := &sup.opts.Crypto
	add(kvplug.EnvTLSMode, crypto.AuthMode.String())
	if crypto.AuthMode != kvplug.AuthDisabled {
		add(kvplug.EnvTLSKeyType, crypto.KeyType.String())
		add(kvplug.EnvTLSCurve, crypto.EffectiveCurve())
	}
	if crypto.AuthMode == kvplug.AuthAutoMTLS {
		add(kvplug.EnvAutoMTLS, "true")
		if sup.opts.ClientCertPEM != "" {
			add(kvplug.EnvClientCert, sup.opts.ClientCertPEM)
		}
	}
	if crypto.AuthMode == kvplug.AuthManual {
		add(kvplug.EnvServerCert, crypto.CertFile)
		add(kvplug.EnvServerKey, crypto.KeyFile)
	}

	if sup.opts.StorageDir != "" {
		add(kvplug.EnvStorageDir, sup.opts.StorageDir)
	}
	if sup.opts.StorageBackend != "" {
		add(kvplug.EnvStorageBackend, sup.opts.StorageBackend)
	}

	for key, value := range sup.opts.Env {
		add(key, value)
	}

	return env
}
