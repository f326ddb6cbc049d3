// Package handshake implements the single-line, pipe-delimited record a
// freshly spawned server writes to its stdout so a supervising host can
// locate and authenticate it.
//
// Wire form (exactly six fields, newline terminated):
//
//	coreVersion|protocolVersion|network|address|wireProtocol|certBase64
//
// The certificate field is standard base64 of the server certificate in DER
// form, or empty when TLS is disabled.
package handshake

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/hostwire/kvplug/kvplug"
)

// NumFields is the exact field count of a valid handshake line.
const NumFields = 6

// Network is the listener network cited by a handshake record.
type Network string

// Networks a handshake record may cite.
const (
	NetworkTCP  Network = "tcp"
	NetworkUnix Network = "unix"
)

// Record is the parsed form of one handshake line. Produced once by a server
// at startup; consumed exactly once by the supervising host.
type Record struct {
	CoreVersion     int
	ProtocolVersion int
	Network         Network
	Address         string
	WireProtocol    string

	// ServerCertDER is the embedded server certificate (DER), or nil.
	ServerCertDER []byte
}

// Parse splits inLine into a Record, failing closed (no partial record).
//
// inWantTLS reflects whether the caller requested a secured channel: when
// false, a certificate field that fails to decode is ignored rather than
// failing the parse, since the caller will not use it.
func Parse(inLine string, inWantTLS bool) (*Record, error) {
	parts := strings.Split(strings.TrimRight(inLine, "\r\n"), "|")
	if len(parts) != NumFields {
		return nil, kvplug.Errorf(nil, kvplug.MalformedHandshake,
			"handshake line has %d fields, expected %d", len(parts), NumFields)
	}

	coreVers, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.MalformedHandshake,
			"handshake core version '%s' is not numeric", parts[0])
	}
	if coreVers != kvplug.CoreProtocolVersion {
		return nil, kvplug.Errorf(nil, kvplug.UnsupportedCoreVersion,
			"unsupported handshake core version %d", coreVers)
	}

	protoVers, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.MalformedHandshake,
			"handshake protocol version '%s' is not numeric", parts[1])
	}

	network := Network(parts[2])
	switch network {
	case NetworkTCP, NetworkUnix:
	default:
		return nil, kvplug.Errorf(nil, kvplug.InvalidNetwork,
			"handshake network '%s' is neither tcp nor unix", parts[2])
	}

	rec := &Record{
		CoreVersion:     coreVers,
		ProtocolVersion: protoVers,
		Network:         network,
		Address:         parts[3],
		WireProtocol:    parts[4],
	}

	if len(parts[5]) > 0 {
		certDER, err := base64.StdEncoding.DecodeString(parts[5])
		if err != nil {
			if inWantTLS {
				return nil, kvplug.Errorf(err, kvplug.InvalidCertificateEncoding,
					"handshake certificate field failed base64 decoding")
			}
			// Plaintext was requested: the certificate is ignored.
		} else {
			rec.ServerCertDER = certDER
		}
	}

	return rec, nil
}

// Emit renders the record back into its wire form (no trailing newline).
// Emit(Parse(line)) is byte-identical for any line Parse accepts whose
// certificate field is canonical base64.
func (r *Record) Emit() string {
	cert64 := ""
	if len(r.ServerCertDER) > 0 {
		cert64 = base64.StdEncoding.EncodeToString(r.ServerCertDER)
	}

	return strings.Join([]string{
		strconv.Itoa(r.CoreVersion),
		strconv.Itoa(r.ProtocolVersion),
		string(r.Network),
		r.Address,
		r.WireProtocol,
		cert64,
	}, "|")
}

// IsHandshakeLine cheaply classifies a stdout line as a plausible handshake
// record vs incidental log noise, letting a read loop skip noise without
// surfacing parse errors for every stray line.
//
// Any line with the full field count is treated as a handshake attempt, so a
// malformed one fails the start rather than being skipped as noise. Peers
// behave the same way; do not loosen this to keep scanning past it.
func IsHandshakeLine(inLine string) bool {
	return strings.Count(inLine, "|") == NumFields-1
}
