// Package transport decides, from a CryptoConfig and (client side) a
// handshake record, whether a channel is plaintext or TLS-secured, and
// assembles the tls.Config for each side.
//
// The auto-mTLS trust model is pinned-certificate, not CA validation: the
// client accepts exactly the certificate embedded in the handshake record
// for that single connection, matched by SHA-256 fingerprint.
package transport

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/hostwire/kvplug/handshake"
	"github.com/hostwire/kvplug/kvplug"
	"github.com/hostwire/kvplug/pki"
)

// ServerTLS prepares the server side of the channel.
//
// Returns a nil tls.Config in disabled mode. In auto mode a fresh ephemeral
// self-signed certificate is minted *before* the caller starts listening and
// returned so it can be embedded in the handshake line; inClientCertPEM, when
// non-empty (handed over via the spawn environment), enables verification of
// the client certificate. In manual mode the operator-supplied cert/key files
// are loaded, failing fast if either path is missing.
func ServerTLS(inCfg *kvplug.CryptoConfig, inClientCertPEM string) (*tls.Config, *pki.Cert, error) {
	switch inCfg.AuthMode {

	case kvplug.AuthDisabled:
		return nil, nil, nil

	case kvplug.AuthAutoMTLS:
		cert, err := pki.GenerateSelfSigned("kvplug.rpc.server", inCfg)
		if err != nil {
			return nil, nil, err
		}

		pair, err := tls.X509KeyPair(cert.CertPEM, cert.KeyPEM)
		if err != nil {
			return nil, nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "failed to load generated key pair")
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}

		if inClientCertPEM != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(inClientCertPEM)) {
				return nil, nil, kvplug.Errorf(nil, kvplug.TLSMaterialFailed,
					"failed to parse client certificate from environment")
			}
			tlsCfg.ClientCAs = pool
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}

		return tlsCfg, cert, nil

	case kvplug.AuthManual:
		if err := inCfg.Validate(); err != nil {
			return nil, nil, err
		}

		pair, err := tls.LoadX509KeyPair(inCfg.CertFile, inCfg.KeyFile)
		if err != nil {
			return nil, nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed,
				"failed to load cert/key from '%s'/'%s'", inCfg.CertFile, inCfg.KeyFile)
		}

		return &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}, nil, nil
	}

	return nil, nil, kvplug.Errorf(nil, kvplug.ParamMissing, "unknown auth mode %d", inCfg.AuthMode)
}

// ClientTLS prepares the client side of the channel from the handshake record.
//
// Returns nil in disabled mode. In auto mode the record must carry the
// server's certificate, which is pinned; the client presents inClientCert
// when given (it must match what the server was handed at spawn), otherwise
// a fresh certificate minted on a curve matching the server's. In manual
// mode the configured cert/key files are required (fail-fast) and the
// record's certificate, when present, is pinned the same way.
func ClientTLS(inCfg *kvplug.CryptoConfig, inRec *handshake.Record, inClientCert *pki.Cert) (*tls.Config, error) {
	switch inCfg.AuthMode {

	case kvplug.AuthDisabled:
		return nil, nil

	case kvplug.AuthAutoMTLS:
		if len(inRec.ServerCertDER) == 0 {
			return nil, kvplug.Errorf(nil, kvplug.CertificateMismatch,
				"auto mtls requested but the handshake carried no server certificate")
		}

		serverCert, err := x509.ParseCertificate(inRec.ServerCertDER)
		if err != nil {
			return nil, kvplug.Errorf(err, kvplug.InvalidCertificateEncoding,
				"handshake certificate is not valid DER")
		}

		clientCert := inClientCert
		if clientCert == nil {
			// Mint a client cert on the server's curve so both stacks agree.
			clientCfg := *inCfg
			if curve, err := pki.DetectCurve(serverCert); err == nil {
				clientCfg.Curve = curve
			}
			clientCert, err = pki.GenerateSelfSigned("kvplug.rpc.client", &clientCfg)
			if err != nil {
				return nil, err
			}
		}

		pair, err := tls.X509KeyPair(clientCert.CertPEM, clientCert.KeyPEM)
		if err != nil {
			return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "failed to load client key pair")
		}

		tlsCfg := pinnedConfig(inRec.ServerCertDER, serverName(serverCert))
		tlsCfg.Certificates = []tls.Certificate{pair}
		return tlsCfg, nil

	case kvplug.AuthManual:
		if err := inCfg.Validate(); err != nil {
			return nil, err
		}

		pair, err := tls.LoadX509KeyPair(inCfg.CertFile, inCfg.KeyFile)
		if err != nil {
			return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed,
				"failed to load cert/key from '%s'/'%s'", inCfg.CertFile, inCfg.KeyFile)
		}

		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
			ServerName:   "localhost",
		}

		if len(inRec.ServerCertDER) > 0 {
			serverCert, err := x509.ParseCertificate(inRec.ServerCertDER)
			if err != nil {
				return nil, kvplug.Errorf(err, kvplug.InvalidCertificateEncoding,
					"handshake certificate is not valid DER")
			}
			pinned := pinnedConfig(inRec.ServerCertDER, serverName(serverCert))
			pinned.Certificates = tlsCfg.Certificates
			tlsCfg = pinned
		}

		return tlsCfg, nil
	}

	return nil, kvplug.Errorf(nil, kvplug.ParamMissing, "unknown auth mode %d", inCfg.AuthMode)
}

// ClientCertPEMForEnv mints the client certificate handed to an auto-mTLS
// server through the spawn environment so it can require client auth.
func ClientCertPEMForEnv(inCfg *kvplug.CryptoConfig) (*pki.Cert, error) {
	return pki.GenerateSelfSigned("kvplug.rpc.client", inCfg)
}

// pinnedConfig builds a tls.Config that accepts only a presented leaf whose
// SHA-256 fingerprint equals that of inCertDER. Standard chain verification
// is disabled; the fingerprint comparison is the trust decision.
func pinnedConfig(inCertDER []byte, inServerName string) *tls.Config {
	want := pki.Fingerprint(inCertDER)

	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         inServerName,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return kvplug.Errorf(nil, kvplug.CertificateMismatch, "peer presented no certificate")
			}
			if got := pki.Fingerprint(rawCerts[0]); got != want {
				return kvplug.Errorf(nil, kvplug.CertificateMismatch,
					"peer certificate fingerprint %s does not match pinned %s", got, want)
			}
			return nil
		},
	}
}

// serverName picks an SNI name matching the certificate's SANs, preferring
// "localhost" since some peers list 127.0.0.1 as a DNS SAN.
func serverName(inCert *x509.Certificate) string {
	for _, name := range inCert.DNSNames {
		if name == "localhost" {
			return "localhost"
		}
	}
	if len(inCert.DNSNames) > 0 {
		return inCert.DNSNames[0]
	}
	return "localhost"
}
