// Package kvplug holds the shared types, constants, and error taxonomy of the
// plugin-host transport negotiation and KV service subsystem.
package kvplug

// CoreProtocolVersion is the handshake protocol version this implementation speaks.
const CoreProtocolVersion = 1

// KVProtocolVersion is the version of the KV service payload.
const KVProtocolVersion = 1

// WireProtocolGRPC identifies the RPC encoding used over the negotiated channel.
const WireProtocolGRPC = "grpc"

// Magic cookie defaults. The cookie is the sole admission-control mechanism:
// a spawned server must find the expected value under the cookie key in its
// environment before doing any other work.
const (
	DefaultCookieKey   = "BASIC_PLUGIN"
	DefaultCookieValue = "hello"
)

// Environment variable names forming the spawn contract between a host and a
// server process. Config structs are translated to/from these names only at
// the process boundary.
const (
	EnvCookieKey        = "PLUGIN_MAGIC_COOKIE_KEY"
	EnvProtocolVersions = "PLUGIN_PROTOCOL_VERSIONS"
	EnvAutoMTLS         = "PLUGIN_AUTO_MTLS"
	EnvTLSMode          = "TLS_MODE"
	EnvTLSKeyType       = "TLS_KEY_TYPE"
	EnvTLSCurve         = "TLS_CURVE"
	EnvServerCert       = "PLUGIN_SERVER_CERT"
	EnvServerKey        = "PLUGIN_SERVER_KEY"
	EnvClientCert       = "PLUGIN_CLIENT_CERT"
	EnvStorageDir       = "KV_STORAGE_DIR"
	EnvStorageBackend   = "KV_STORAGE_BACKEND"
)

// AuthMode selects how the transport layer is secured.
type AuthMode int32

const (
	// AuthDisabled opens a plaintext channel.
	AuthDisabled AuthMode = iota

	// AuthAutoMTLS has the server mint an ephemeral self-signed certificate
	// that the client pins for the single session.
	AuthAutoMTLS

	// AuthManual uses operator-supplied certificate/key files on both ends.
	AuthManual
)

// AuthModeFromString parses the wire/flag representation of an AuthMode.
func AuthModeFromString(inStr string) (AuthMode, error) {
	switch inStr {
	case "disabled", "":
		return AuthDisabled, nil
	case "auto", "automtls":
		return AuthAutoMTLS, nil
	case "manual":
		return AuthManual, nil
	}
	return AuthDisabled, Errorf(nil, ParamMissing, "unknown tls mode '%s'", inStr)
}

// String returns the flag/env representation.
func (m AuthMode) String() string {
	switch m {
	case AuthAutoMTLS:
		return "auto"
	case AuthManual:
		return "manual"
	}
	return "disabled"
}

// KeyType selects the asymmetric key algorithm for generated certificates.
type KeyType int32

const (
	// KeyTypeEC generates ECDSA keys on a configurable curve.
	KeyTypeEC KeyType = iota

	// KeyTypeRSA generates RSA-2048 keys.
	KeyTypeRSA
)

// KeyTypeFromString parses the wire/flag representation of a KeyType.
func KeyTypeFromString(inStr string) (KeyType, error) {
	switch inStr {
	case "ec", "ecdsa", "":
		return KeyTypeEC, nil
	case "rsa":
		return KeyTypeRSA, nil
	}
	return KeyTypeEC, Errorf(nil, UnsupportedKeyType, "unknown key type '%s'", inStr)
}

// String returns the flag/env representation.
func (t KeyType) String() string {
	if t == KeyTypeRSA {
		return "rsa"
	}
	return "ec"
}

// CryptoConfig drives both certificate generation and the environment passed
// to a spawned server. Immutable once a client or server is constructed.
type CryptoConfig struct {
	KeyType  KeyType
	Curve    string // e.g. "secp256r1", "secp384r1", "secp521r1"
	AuthMode AuthMode

	// Manual mode credentials (file paths). Both must be set in AuthManual.
	CertFile string
	KeyFile  string
}

// DefaultCurve is used when no curve is specified for EC keys.
const DefaultCurve = "secp384r1"

// Validate fails fast on impossible configurations, before any process or
// network I/O is attempted.
func (cfg *CryptoConfig) Validate() error {
	if cfg.AuthMode == AuthManual && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return Errorf(nil, MissingManualCredentials,
			"manual tls mode requires both a certificate file and a key file")
	}
	return nil
}

// EffectiveCurve returns the configured curve or the default.
func (cfg *CryptoConfig) EffectiveCurve() string {
	if cfg.Curve == "" {
		return DefaultCurve
	}
	return cfg.Curve
}

// ConnState tracks a host client's lifecycle. Transitions are driven only by
// the client's own start/close calls and by asynchronous failure detection.
type ConnState int32

const (
	// ConnNotStarted means Start has not been called.
	ConnNotStarted ConnState = iota

	// ConnStarting means the server process is being spawned and negotiated with.
	ConnStarting

	// ConnConnected means the channel is open and serving calls.
	ConnConnected

	// ConnClosing means Close is in flight.
	ConnClosing

	// ConnClosed means the client and its child process are fully torn down.
	ConnClosed

	// ConnFailed means Start failed or the connection was lost.
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnStarting:
		return "Starting"
	case ConnConnected:
		return "Connected"
	case ConnClosing:
		return "Closing"
	case ConnClosed:
		return "Closed"
	case ConnFailed:
		return "Failed"
	}
	return "NotStarted"
}
