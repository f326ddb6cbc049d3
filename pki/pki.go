// Package pki mints the X.509 material used by the transport layer:
// self-signed CAs, CA-signed server/client leaves, and the ephemeral
// self-signed server certificates used for pinned-certificate auto-mTLS.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/hostwire/kvplug/kvplug"
)

// DefaultRSABits is the modulus size for generated RSA keys.
const DefaultRSABits = 2048

// Validity windows: CAs and leaves live for days,
// ephemeral auto-mTLS certs for a year (they never outlive the session anyway).
const (
	bundleValidity    = 7 * 24 * time.Hour
	ephemeralValidity = 365 * 24 * time.Hour
)

// Curve resolves a curve name (including the p-256/p256 aliases) to its
// parameter set.
func Curve(inName string) (elliptic.Curve, error) {
	switch strings.ToLower(inName) {
	case "secp256r1", "p-256", "p256":
		return elliptic.P256(), nil
	case "secp384r1", "p-384", "p384":
		return elliptic.P384(), nil
	case "secp521r1", "p-521", "p521":
		return elliptic.P521(), nil
	}
	return nil, kvplug.Errorf(nil, kvplug.UnsupportedCurve, "unsupported curve '%s'", inName)
}

// CurveName returns the canonical name for a parameter set.
func CurveName(inCurve elliptic.Curve) string {
	switch inCurve {
	case elliptic.P256():
		return "secp256r1"
	case elliptic.P384():
		return "secp384r1"
	case elliptic.P521():
		return "secp521r1"
	}
	return ""
}

// DetectCurve reports which named curve a certificate's public key uses,
// letting a host mint a curve-matched client certificate.
func DetectCurve(inCert *x509.Certificate) (string, error) {
	pubKey, ok := inCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", kvplug.Errorf(nil, kvplug.UnsupportedKeyType,
			"certificate does not use an ECDSA key")
	}

	name := CurveName(pubKey.Curve)
	if name == "" {
		return "", kvplug.Errorf(nil, kvplug.UnsupportedCurve,
			"certificate uses unknown curve '%s'", pubKey.Curve.Params().Name)
	}
	return name, nil
}

// GenerateKey creates a private key per the given crypto config.
func GenerateKey(inCfg *kvplug.CryptoConfig) (crypto.Signer, error) {
	switch inCfg.KeyType {
	case kvplug.KeyTypeEC:
		curve, err := Curve(inCfg.EffectiveCurve())
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "ecdsa key generation failed")
		}
		return key, nil

	case kvplug.KeyTypeRSA:
		key, err := rsa.GenerateKey(rand.Reader, DefaultRSABits)
		if err != nil {
			return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "rsa key generation failed")
		}
		return key, nil
	}

	return nil, kvplug.Errorf(nil, kvplug.UnsupportedKeyType, "unknown key type %d", inCfg.KeyType)
}

// Fingerprint returns the lowercase hex SHA-256 digest of a certificate's
// DER bytes, the identity pinned by the auto-mTLS trust model.
func Fingerprint(inDER []byte) string {
	digest := sha256.Sum256(inDER)
	return hex.EncodeToString(digest[:])
}

// Cert pairs a certificate with its private key, in both DER and PEM forms.
type Cert struct {
	CertDER []byte
	CertPEM []byte
	KeyPEM  []byte

	key crypto.Signer
}

// Signer returns the private key.
func (c *Cert) Signer() crypto.Signer {
	return c.key
}

// Fingerprint returns the SHA-256 fingerprint of the certificate.
func (c *Cert) Fingerprint() string {
	return Fingerprint(c.CertDER)
}

// X509 parses the DER bytes back into a certificate.
func (c *Cert) X509() (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(c.CertDER)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "failed to reparse certificate")
	}
	return cert, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "serial number generation failed")
	}
	return serial, nil
}

func marshalKeyPEM(inKey crypto.Signer) ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(inKey)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "private key marshaling failed")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}

func newCert(inDER []byte, inKey crypto.Signer) (*Cert, error) {
	keyPEM, err := marshalKeyPEM(inKey)
	if err != nil {
		return nil, err
	}
	return &Cert{
		CertDER: inDER,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: inDER}),
		KeyPEM:  keyPEM,
		key:     inKey,
	}, nil
}

// GenerateCA creates a self-signed root CA certificate and key.
func GenerateCA(inCommonName string, inCfg *kvplug.CryptoConfig) (*Cert, error) {
	key, err := GenerateKey(inCfg)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: inCommonName},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(bundleValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "CA certificate creation failed")
	}

	return newCert(certDER, key)
}

// GenerateLeaf creates a certificate signed by inCA. Server leaves get the
// server-auth EKU and localhost SANs; client leaves get the client-auth EKU.
func GenerateLeaf(
	inCommonName string,
	inCA *Cert,
	inServer bool,
	inCfg *kvplug.CryptoConfig,
) (*Cert, error) {

	key, err := GenerateKey(inCfg)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	caCert, err := inCA.X509()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: inCommonName},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(bundleValidity),
		BasicConstraintsValid: true,
	}

	if inServer {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, key.Public(), inCA.key)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "leaf certificate creation failed")
	}

	return newCert(certDER, key)
}

// GenerateSelfSigned creates the ephemeral self-signed certificate used for
// auto-mTLS: server- and client-auth EKUs, localhost SANs, no CA. The peer
// trusts exactly this certificate (by fingerprint), not a chain.
func GenerateSelfSigned(inCommonName string, inCfg *kvplug.CryptoConfig) (*Cert, error) {
	key, err := GenerateKey(inCfg)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: inCommonName, Organization: []string{"kvplug"}},
		NotBefore:             now,
		NotAfter:              now.Add(ephemeralValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "self-signed certificate creation failed")
	}

	return newCert(certDER, key)
}
