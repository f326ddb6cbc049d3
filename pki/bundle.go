package pki

import (
	"io/ioutil"
	"os"
	"path"

	"github.com/hostwire/kvplug/kvplug"
)

// Bundle is a full mTLS certificate set: one CA, a server leaf, and a client
// leaf, all PEM-encoded. Generated fresh per test invocation into a
// caller-supplied directory; never shared across concurrent runs.
type Bundle struct {
	CA     *Cert
	Server *Cert
	Client *Cert
}

// BundlePaths are the file locations of a Bundle written to disk.
type BundlePaths struct {
	CACert     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// GenerateBundle mints a CA plus server and client leaves using the given
// crypto config.
func GenerateBundle(inCfg *kvplug.CryptoConfig) (*Bundle, error) {
	ca, err := GenerateCA("kvplug test CA", inCfg)
	if err != nil {
		return nil, err
	}

	server, err := GenerateLeaf("localhost", ca, true, inCfg)
	if err != nil {
		return nil, err
	}

	client, err := GenerateLeaf("kvplug test client", ca, false, inCfg)
	if err != nil {
		return nil, err
	}

	return &Bundle{CA: ca, Server: server, Client: client}, nil
}

// WriteTo saves the bundle's PEM files into inDir and returns their paths.
// Keys are written mode 0600, certificates 0644.
func (b *Bundle) WriteTo(inDir string) (*BundlePaths, error) {
	if err := os.MkdirAll(inDir, 0755); err != nil {
		return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "failed to create cert dir '%s'", inDir)
	}

	paths := &BundlePaths{
		CACert:     path.Join(inDir, "ca.pem"),
		ServerCert: path.Join(inDir, "server.pem"),
		ServerKey:  path.Join(inDir, "server.key"),
		ClientCert: path.Join(inDir, "client.pem"),
		ClientKey:  path.Join(inDir, "client.key"),
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{paths.CACert, b.CA.CertPEM, 0644},
		{paths.ServerCert, b.Server.CertPEM, 0644},
		{paths.ServerKey, b.Server.KeyPEM, 0600},
		{paths.ClientCert, b.Client.CertPEM, 0644},
		{paths.ClientKey, b.Client.KeyPEM, 0600},
	}

	for _, f := range files {
		if err := ioutil.WriteFile(f.name, f.data, f.mode); err != nil {
			return nil, kvplug.Errorf(err, kvplug.TLSMaterialFailed, "failed to write '%s'", f.name)
		}
	}

	return paths, nil
}
