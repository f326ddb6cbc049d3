package service

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/hostwire/kvplug/ctx"
	"github.com/hostwire/kvplug/handshake"
	"github.com/hostwire/kvplug/kvplug"
	"github.com/hostwire/kvplug/proto/kv"
	"github.com/hostwire/kvplug/transport"
)

// Opts configures a Server. The zero value plus a StorageDir is serviceable:
// plaintext transport, flat-file backend, ephemeral port, handshake on stdout.
type Opts struct {
	StorageDir     string
	StorageBackend string
	ListenAddr     string
	Crypto         kvplug.CryptoConfig

	// CookieKey/CookieValue gate startup; both default to the well-known pair.
	CookieKey   string
	CookieValue string

	// HandshakeOut receives the single handshake line (default os.Stdout).
	HandshakeOut io.Writer
}

// Server is the plugin-side KV process: it validates the magic cookie,
// negotiates transport, announces itself with one handshake line, and then
// serves the KV gRPC service until stopped.
type Server struct {
	ctx.Context

	opts     Opts
	store    Store
	grpc     *grpc.Server
	listener net.Listener
	rec      *handshake.Record
}

// NewServer creates a Server from the given options, filling in defaults.
func NewServer(inOpts Opts) *Server {
	if inOpts.CookieKey == "" {
		inOpts.CookieKey = kvplug.DefaultCookieKey
	}
	if inOpts.CookieValue == "" {
		inOpts.CookieValue = kvplug.DefaultCookieValue
	}
	if inOpts.ListenAddr == "" {
		inOpts.ListenAddr = "127.0.0.1:0"
	}
	if inOpts.HandshakeOut == nil {
		inOpts.HandshakeOut = os.Stdout
	}

	s := &Server{
		opts: inOpts,
	}
	s.SetLogLabel("kvserver")
	return s
}

// CheckCookie enforces the launch gate: the env var named by the cookie key
// must hold the cookie value, proving a compatible host spawned this process.
func (s *Server) CheckCookie() error {
	got := os.Getenv(s.opts.CookieKey)
	if got != s.opts.CookieValue {
		return kvplug.Errorf(nil, kvplug.CookieRejected,
			"this binary is a plugin and must be launched by a compatible host "+
				"(env %s did not carry the expected cookie)", s.opts.CookieKey)
	}
	return nil
}

// Handshake returns the record announced at startup. Nil until Start.
func (s *Server) Handshake() *handshake.Record {
	return s.rec
}

// Addr returns the bound listen address. Empty until Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start brings the server up: storage, TLS negotiation, listener, handshake
// announcement, then gRPC service. Returns only after the server is
// announced and serving (or with the startup error).
func (s *Server) Start() error {
	return s.CtxStart(
		s.onStart,
		nil,
		s.onStopped,
	)
}

func (s *Server) onStart() error {
	if err := s.CheckCookie(); err != nil {
		return err
	}

	var err error
	s.store, err = NewStore(s.opts.StorageBackend, s.opts.StorageDir)
	if err != nil {
		return err
	}

	clientCertPEM, err := loadClientCertPEM(os.Getenv(kvplug.EnvClientCert))
	if err != nil {
		return err
	}

	tlsCfg, cert, err := transport.ServerTLS(&s.opts.Crypto, clientCertPEM)
	if err != nil {
		return err
	}

	s.listener, err = net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return kvplug.Errorf(err, kvplug.ChannelSetupFailed, "failed to listen on '%s'", s.opts.ListenAddr)
	}

	s.rec = &handshake.Record{
		CoreVersion:     kvplug.CoreProtocolVersion,
		ProtocolVersion: kvplug.KVProtocolVersion,
		Network:         handshake.NetworkTCP,
		Address:         s.listener.Addr().String(),
		WireProtocol:    kvplug.WireProtocolGRPC,
	}

	info := ServerInfo{
		Endpoint:        s.listener.Addr().String(),
		ProtocolVersion: kvplug.KVProtocolVersion,
		TLSMode:         s.opts.Crypto.AuthMode.String(),
	}

	var serverOpts []grpc.ServerOption
	if tlsCfg != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		info.KeyType = s.opts.Crypto.KeyType.String()
		info.Curve = s.opts.Crypto.EffectiveCurve()
	}
	if cert != nil {
		s.rec.ServerCertDER = cert.CertDER
		info.CertFingerprint = cert.Fingerprint()
	}
	serverOpts = append(serverOpts, grpc.UnaryInterceptor(s.logCalls))

	s.grpc = grpc.NewServer(serverOpts...)
	kv.RegisterKVServer(s.grpc, &kvServicer{
		ctx:     &s.Context,
		store:   s.store,
		info:    info,
		started: time.Now(),
	})

	s.Infof(0, "serving KV on %v (tls: %v)", s.listener.Addr(), tlsCfg != nil)

	line := s.rec.Emit()
	if _, err := fmt.Fprintln(s.opts.HandshakeOut, line); err != nil {
		s.listener.Close()
		return kvplug.Errorf(err, kvplug.ChannelSetupFailed, "failed to announce handshake")
	}
	if f, ok := s.opts.HandshakeOut.(*os.File); ok {
		f.Sync()
	}

	s.AttachGrpcServer(s.listener, s.grpc)
	return nil
}

func (s *Server) onStopped() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.Warnf("store close failed: %v", err)
		}
	}
}

// logCalls is the unary interceptor recording each RPC and its latency.
func (s *Server) logCalls(
	inCtx context.Context,
	inReq interface{},
	inInfo *grpc.UnaryServerInfo,
	inHandler grpc.UnaryHandler,
) (interface{}, error) {

	start := time.Now()
	resp, err := inHandler(inCtx, inReq)
	if err != nil {
		s.Warnf("%s failed after %v: %v", inInfo.FullMethod, time.Since(start), err)
	} else {
		s.Infof(1, "%s ok (%v)", inInfo.FullMethod, time.Since(start))
	}
	return resp, err
}

// loadClientCertPEM resolves the client cert handed over via the spawn env,
// which may be inline PEM or a file path.
func loadClientCertPEM(inValue string) (string, error) {
	if inValue == "" {
		return "", nil
	}
	if strings.Contains(inValue, "-----BEGIN") {
		return inValue, nil
	}

	data, err := ioutil.ReadFile(inValue)
	if err != nil {
		return "", kvplug.Errorf(err, kvplug.TLSMaterialFailed,
			"failed to read client certificate from '%s'", inValue)
	}
	return string(data), nil
}
