package kvplug

import (
	"fmt"
	"strings"
)

// Err is this module's common error struct. Err.Code allows easy matching
// while the message carries contextual information.
type Err struct {
	Code int32
	Msg  string

	Err error
}

// Error creates a new Err wrapping inErr.
func Error(inErr error, inCode int32, inMsg string) *Err {
	return &Err{
		Code: inCode,
		Msg:  inMsg,
		Err:  inErr,
	}
}

// Errorf is a convenience form of Error() that uses a string formatter.
func Errorf(inErr error, inCode int32, inFormat string, inArgs ...interface{}) *Err {
	return &Err{
		Code: inCode,
		Msg:  fmt.Sprintf(inFormat, inArgs...),
		Err:  inErr,
	}
}

// Error implements error.
func (e *Err) Error() string {
	if e == nil {
		return "<nil>"
	}

	var s []string

	if len(e.Msg) > 0 {
		s = append(s, e.Msg)
	} else {
		s = append(s, "Err")
	}

	s = append(s, fmt.Sprintf(" {code:%d", e.Code))

	if e.Err != nil {
		s = append(s, ", err:{", e.Err.Error(), "}")
	}

	s = append(s, "}")

	return strings.Join(s, "")
}

// Unwrap exposes the wrapped cause.
func (e *Err) Unwrap() error {
	return e.Err
}

// IsError tests if the given error carries one of the given codes.
func IsError(inErr error, inCodes ...int32) bool {
	if inErr == nil {
		return false
	}
	if perr, ok := inErr.(*Err); ok && perr != nil {
		for _, code := range inCodes {
			if perr.Code == code {
				return true
			}
		}
	}

	return false
}

const (

	/*****************************************************
	** Configuration errors: detected before any process
	** or network I/O is attempted.
	**/

	// ConfigErrorFamily is the family for construction-time configuration errors.
	ConfigErrorFamily int32 = 5000 + iota

	// ParamMissing means one or more params was missing, empty, or not otherwise given.
	ParamMissing

	// MissingExecutable means the server executable was not found or is not executable.
	MissingExecutable

	// MissingManualCredentials means manual TLS mode was selected without cert/key paths.
	MissingManualCredentials

	// UnsupportedKeyType means the configured key type is neither ec nor rsa.
	UnsupportedKeyType

	// UnsupportedCurve means the configured curve name is not recognized.
	UnsupportedCurve

	// UnsupportedRuntimePair means the client/server runtime pair is known not to interoperate.
	UnsupportedRuntimePair

	// ConfigNotRead means the given config file was not found or failed to parse.
	ConfigNotRead

	/*****************************************************
	** Handshake errors: always carry captured stderr
	** where available.
	**/

	// HandshakeErrorFamily is the family for handshake protocol errors.
	HandshakeErrorFamily = 5100 + iota

	// MalformedHandshake means the handshake line did not have exactly six fields.
	MalformedHandshake

	// UnsupportedCoreVersion means the handshake cited a core protocol version this implementation does not speak.
	UnsupportedCoreVersion

	// InvalidNetwork means the handshake network field was neither tcp nor unix.
	InvalidNetwork

	// InvalidCertificateEncoding means the handshake certificate field failed to decode.
	InvalidCertificateEncoding

	// HandshakeTimeout means the deadline elapsed before a valid handshake line appeared.
	HandshakeTimeout

	// ProcessExitedEarly means the child process terminated before producing a handshake line.
	ProcessExitedEarly

	// CookieRejected means the magic cookie was absent or mismatched in the child environment.
	CookieRejected

	/*****************************************************
	** Transport errors: occur after a valid handshake
	** was observed.
	**/

	// TransportErrorFamily is the family for channel setup errors.
	TransportErrorFamily = 5200 + iota

	// CertificateMismatch means the presented server certificate's fingerprint did not match the pinned one.
	CertificateMismatch

	// TLSMaterialFailed means certificate or key generation/loading failed.
	TLSMaterialFailed

	// ChannelSetupFailed means the secure (or plaintext) channel could not be opened.
	ChannelSetupFailed

	/*****************************************************
	** Service errors: typed outcomes of put/get.
	**/

	// ServiceErrorFamily is the family for KV service errors.
	ServiceErrorFamily = 5300 + iota

	// InvalidKey means the key failed the character-class check.
	InvalidKey

	// KeyNotFound means no entry exists for the key.
	KeyNotFound

	// StorageFailure means an unexpected storage backend error occurred.
	StorageFailure

	// ClientNotStarted means a Put/Get was issued before Start or after Close.
	ClientNotStarted
)
