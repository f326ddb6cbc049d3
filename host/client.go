package host

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/hostwire/kvplug/compat"
	"github.com/hostwire/kvplug/ctx"
	"github.com/hostwire/kvplug/handshake"
	"github.com/hostwire/kvplug/kvplug"
	"github.com/hostwire/kvplug/pki"
	"github.com/hostwire/kvplug/proto/kv"
	"github.com/hostwire/kvplug/transport"
)

// DefaultDialTimeout bounds the wait for the gRPC channel to come up after a
// successful handshake.
const DefaultDialTimeout = 10 * time.Second

// DefaultCallTimeout is applied to Put/Get calls arriving without a deadline.
const DefaultCallTimeout = 30 * time.Second

// ClientOpts configures a Client.
type ClientOpts struct {
	ExePath string
	Args    []string

	StorageDir     string
	StorageBackend string
	Crypto         kvplug.CryptoConfig

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	CallTimeout      time.Duration
	StopGrace        time.Duration

	// SkipPreflight bypasses the compatibility matrix check.
	SkipPreflight bool
}

// Client drives one KV server process end to end: compatibility pre-flight,
// spawn, handshake, channel negotiation, typed Put/Get, teardown. Each Client
// owns its own child process and certificate material; nothing is shared
// between instances.
type Client struct {
	ctx.Context

	opts  ClientOpts
	sup   *Supervisor
	conn  *grpc.ClientConn
	kv    kv.KVClient
	state int32
}

// NewClient creates a Client, filling in defaults.
func NewClient(inOpts ClientOpts) *Client {
	if inOpts.DialTimeout <= 0 {
		inOpts.DialTimeout = DefaultDialTimeout
	}
	if inOpts.CallTimeout <= 0 {
		inOpts.CallTimeout = DefaultCallTimeout
	}

	cl := &Client{
		opts: inOpts,
	}
	cl.SetLogLabel("kvhost")
	return cl
}

// State returns the client's connection state.
func (cl *Client) State() kvplug.ConnState {
	return kvplug.ConnState(atomic.LoadInt32(&cl.state))
}

func (cl *Client) setState(inState kvplug.ConnState) {
	atomic.StoreInt32(&cl.state, int32(inState))
}

// Handshake returns the record received from the server. Nil until Start
// succeeds.
func (cl *Client) Handshake() *handshake.Record {
	if cl.sup == nil {
		return nil
	}
	return cl.sup.Handshake()
}

// Start spawns the server and opens the negotiated channel. On error the
// child process is already torn down; Close remains safe to call.
func (cl *Client) Start() error {
	cl.setState(kvplug.ConnStarting)

	err := cl.CtxStart(
		cl.onStart,
		cl.onAboutToStop,
		nil,
	)
	if err != nil {
		cl.setState(kvplug.ConnFailed)
		return err
	}

	// The loss watcher may have already marked the connection Failed.
	atomic.CompareAndSwapInt32(&cl.state,
		int32(kvplug.ConnStarting), int32(kvplug.ConnConnected))
	return nil
}

func (cl *Client) onStart() error {
	if err := cl.opts.Crypto.Validate(); err != nil {
		return err
	}

	if !cl.opts.SkipPreflight {
		serverRuntime := compat.DetectRuntime(cl.opts.ExePath)
		if serverRuntime == compat.RuntimeUnknown {
			cl.Warnf("could not detect server runtime for '%s', skipping compatibility check", cl.opts.ExePath)
		} else if err := compat.Validate(compat.RuntimeGo, serverRuntime, &cl.opts.Crypto); err != nil {
			return err
		}
	}

	// In auto mode the client certificate is minted once, shared between the
	// spawn env (so the server can require client auth) and our TLS config.
	var clientCert *pki.Cert
	supOpts := SupervisorOpts{
		ExePath:          cl.opts.ExePath,
		Args:             cl.opts.Args,
		StorageDir:       cl.opts.StorageDir,
		StorageBackend:   cl.opts.StorageBackend,
		Crypto:           cl.opts.Crypto,
		HandshakeTimeout: cl.opts.HandshakeTimeout,
		StopGrace:        cl.opts.StopGrace,
	}
	if cl.opts.Crypto.AuthMode == kvplug.AuthAutoMTLS {
		var err error
		clientCert, err = transport.ClientCertPEMForEnv(&cl.opts.Crypto)
		if err != nil {
			return err
		}
		supOpts.ClientCertPEM = string(clientCert.CertPEM)
	}

	cl.sup = NewSupervisor(supOpts)
	if err := cl.sup.Start(); err != nil {
		return err
	}
	cl.CtxAddChild(cl.sup)

	rec := cl.sup.Handshake()

	tlsCfg, err := transport.ClientTLS(&cl.opts.Crypto, rec, clientCert)
	if err != nil {
		return err
	}

	dialOpts := []grpc.DialOption{grpc.WithBlock()}
	if tlsCfg != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		dialOpts = append(dialOpts, grpc.WithInsecure())
	}

	target := rec.Address
	if rec.Network == handshake.NetworkUnix {
		target = "unix://" + rec.Address
	}

	dialCtx, cancel := context.WithTimeout(cl.Ctx, cl.opts.DialTimeout)
	defer cancel()

	cl.conn, err = grpc.DialContext(dialCtx, target, dialOpts...)
	if err != nil {
		return kvplug.Errorf(err, kvplug.ChannelSetupFailed,
			"failed to open channel to '%s'", target)
	}
	cl.kv = kv.NewKVClient(cl.conn)

	cl.Infof(1, "connected to %s (pid %d)", target, cl.sup.Pid())

	// The supervisor stopping (e.g. the process dying) takes this client
	// down with it. During a caller-driven Close the supervisor is stopped as
	// a child before this context cancels, so only an asynchronous loss (state
	// not yet Closing) is marked Failed.
	cl.CtxGo(func() {
		select {
		case <-cl.sup.CtxStopping():
			if cl.CtxRunning() && cl.State() != kvplug.ConnClosing {
				cl.setState(kvplug.ConnFailed)
				cl.CtxStop("server process lost")
			}
		case <-cl.CtxStopping():
		}
	})

	return nil
}

func (cl *Client) onAboutToStop() {
	if cl.State() == kvplug.ConnConnected {
		cl.setState(kvplug.ConnClosing)
	}
	if cl.conn != nil {
		cl.conn.Close()
	}
}

// Close tears the client down: channel first, then the child process
// (graceful, escalating to kill). Idempotent and safe after a failed Start.
func (cl *Client) Close() {
	cl.CtxStop("closed by caller")
	cl.CtxWait()

	if cl.State() != kvplug.ConnFailed {
		cl.setState(kvplug.ConnClosed)
	}
}

func (cl *Client) callCtx(inCtx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := inCtx.Deadline(); hasDeadline {
		return context.WithCancel(inCtx)
	}
	return context.WithTimeout(inCtx, cl.opts.CallTimeout)
}

// Put stores inValue under inKey on the server.
func (cl *Client) Put(inCtx context.Context, inKey string, inValue []byte) error {
	if cl.State() != kvplug.ConnConnected {
		return kvplug.Errorf(nil, kvplug.ClientNotStarted,
			"client is %v, not Connected", cl.State())
	}

	callCtx, cancel := cl.callCtx(inCtx)
	defer cancel()

	_, err := cl.kv.Put(callCtx, &kv.PutRequest{Key: inKey, Value: inValue})
	return cl.mapCallErr(err, inKey)
}

// Get fetches the value stored under inKey.
func (cl *Client) Get(inCtx context.Context, inKey string) ([]byte, error) {
	if cl.State() != kvplug.ConnConnected {
		return nil, kvplug.Errorf(nil, kvplug.ClientNotStarted,
			"client is %v, not Connected", cl.State())
	}

	callCtx, cancel := cl.callCtx(inCtx)
	defer cancel()

	resp, err := cl.kv.Get(callCtx, &kv.GetRequest{Key: inKey})
	if err != nil {
		return nil, cl.mapCallErr(err, inKey)
	}
	return resp.Value, nil
}

// mapCallErr translates gRPC statuses back into this module's error taxonomy.
func (cl *Client) mapCallErr(inErr error, inKey string) error {
	if inErr == nil {
		return nil
	}
	switch status.Code(inErr) {
	case codes.NotFound:
		return kvplug.Errorf(inErr, kvplug.KeyNotFound, "key '%s' not found", inKey)
	case codes.InvalidArgument:
		return kvplug.Errorf(inErr, kvplug.InvalidKey, "key '%s' rejected", inKey)
	}
	return kvplug.Errorf(inErr, kvplug.StorageFailure, "call for key '%s' failed", inKey)
}
