package pki

import (
	"crypto/x509"
	"io/ioutil"
	"os"
	"testing"

	"github.com/hostwire/kvplug/kvplug"
)

func TestCurveAliases(t *testing.T) {
	for _, name := range []string{"secp256r1", "P-256", "p256", "secp384r1", "p-384", "secp521r1", "P521"} {
		if _, err := Curve(name); err != nil {
			t.Errorf("Curve(%q) failed: %v", name, err)
		}
	}

	if _, err := Curve("curve25519"); !kvplug.IsError(err, kvplug.UnsupportedCurve) {
		t.Errorf("unknown curve should yield UnsupportedCurve, got %v", err)
	}
}

func TestGenerateSelfSigned(t *testing.T) {
	cfg := &kvplug.CryptoConfig{KeyType: kvplug.KeyTypeEC, Curve: "secp256r1"}

	cert, err := GenerateSelfSigned("kvplug.test", cfg)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := cert.X509()
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Subject.CommonName != "kvplug.test" {
		t.Errorf("bad CN: %v", parsed.Subject.CommonName)
	}
	if len(parsed.DNSNames) == 0 || parsed.DNSNames[0] != "localhost" {
		t.Errorf("missing localhost SAN: %v", parsed.DNSNames)
	}

	curve, err := DetectCurve(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if curve != "secp256r1" {
		t.Errorf("DetectCurve = %q, want secp256r1", curve)
	}

	if fp := cert.Fingerprint(); len(fp) != 64 {
		t.Errorf("fingerprint should be 64 hex chars, got %d", len(fp))
	}
}

func TestDetectCurveAllSizes(t *testing.T) {
	for _, name := range []string{"secp256r1", "secp384r1", "secp521r1"} {
		cfg := &kvplug.CryptoConfig{KeyType: kvplug.KeyTypeEC, Curve: name}
		cert, err := GenerateSelfSigned("kvplug.test", cfg)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		parsed, err := cert.X509()
		if err != nil {
			t.Fatal(err)
		}
		got, err := DetectCurve(parsed)
		if err != nil {
			t.Fatal(err)
		}
		if got != name {
			t.Errorf("DetectCurve = %q, want %q", got, name)
		}
	}
}

func TestGenerateBundleChains(t *testing.T) {
	cfg := &kvplug.CryptoConfig{KeyType: kvplug.KeyTypeEC, Curve: "secp384r1"}

	bundle, err := GenerateBundle(cfg)
	if err != nil {
		t.Fatal(err)
	}

	caCert, err := bundle.CA.X509()
	if err != nil {
		t.Fatal(err)
	}
	if !caCert.IsCA {
		t.Error("CA certificate is not marked CA")
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	serverCert, err := bundle.Server.X509()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := serverCert.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "localhost",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("server leaf does not chain to CA: %v", err)
	}

	clientCert, err := bundle.Client.X509()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := clientCert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		t.Errorf("client leaf does not chain to CA: %v", err)
	}
}

func TestBundleWriteTo(t *testing.T) {
	dir, err := ioutil.TempDir("", "kvplug-pki-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := &kvplug.CryptoConfig{KeyType: kvplug.KeyTypeEC}
	bundle, err := GenerateBundle(cfg)
	if err != nil {
		t.Fatal(err)
	}

	paths, err := bundle.WriteTo(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{paths.CACert, paths.ServerCert, paths.ServerKey, paths.ClientCert, paths.ClientKey} {
		data, err := ioutil.ReadFile(p)
		if err != nil {
			t.Errorf("missing bundle file %s: %v", p, err)
			continue
		}
		if len(data) == 0 {
			t.Errorf("bundle file %s is empty", p)
		}
	}
}

func TestRSAKeyType(t *testing.T) {
	cfg := &kvplug.CryptoConfig{KeyType: kvplug.KeyTypeRSA}
	cert, err := GenerateSelfSigned("kvplug.rsa", cfg)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := cert.X509()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DetectCurve(parsed); !kvplug.IsError(err, kvplug.UnsupportedKeyType) {
		t.Errorf("DetectCurve on RSA cert should yield UnsupportedKeyType, got %v", err)
	}
}

func TestFingerprintsDiffer(t *testing.T) {
	cfg := &kvplug.CryptoConfig{KeyType: kvplug.KeyTypeEC, Curve: "secp256r1"}
	a, err := GenerateSelfSigned("kvplug.a", cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateSelfSigned("kvplug.b", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("two fresh certificates share a fingerprint")
	}
}
