// Package config loads host and server settings from TOML files and, for the
// server side, from the spawn environment contract. File settings are the
// operator's; environment entries set by a supervising host win over them.
package config

import (
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/hostwire/kvplug/kvplug"
)

// DefaultDirMode is used when creating storage/config directories.
var DefaultDirMode = os.FileMode(0775)

// TLSSettings is the TOML shape of a CryptoConfig.
type TLSSettings struct {
	Mode     string `toml:"mode"` // disabled | auto | manual
	KeyType  string `toml:"key_type"`
	Curve    string `toml:"curve"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// CryptoConfig resolves the TOML fields into a validated CryptoConfig.
func (t *TLSSettings) CryptoConfig() (kvplug.CryptoConfig, error) {
	var cfg kvplug.CryptoConfig
	var err error

	if cfg.AuthMode, err = kvplug.AuthModeFromString(t.Mode); err != nil {
		return cfg, err
	}
	if cfg.KeyType, err = kvplug.KeyTypeFromString(t.KeyType); err != nil {
		return cfg, err
	}
	cfg.Curve = t.Curve
	cfg.CertFile = t.CertFile
	cfg.KeyFile = t.KeyFile

	return cfg, cfg.Validate()
}

// ServerConfig is the kvserver side.
type ServerConfig struct {
	ListenAddr     string      `toml:"listen_addr"`
	StorageDir     string      `toml:"storage_dir"`
	StorageBackend string      `toml:"storage_backend"`
	TLS            TLSSettings `toml:"tls"`
}

// HostConfig is the kvhost side.
type HostConfig struct {
	ServerExe      string      `toml:"server_exe"`
	StorageDir     string      `toml:"storage_dir"`
	StorageBackend string      `toml:"storage_backend"`
	TLS            TLSSettings `toml:"tls"`

	// Timeouts in seconds; zero means the built-in default.
	HandshakeTimeout int `toml:"handshake_timeout"`
	CallTimeout      int `toml:"call_timeout"`
}

// ExpandDirPath expands a leading ~ and ensures the directory exists.
func ExpandDirPath(inPath string) (string, error) {
	pathname, err := homedir.Expand(inPath)
	if err != nil {
		return "", errors.Errorf("error expanding '%s'", inPath)
	}
	pathname = path.Clean(pathname)

	if err = os.MkdirAll(pathname, DefaultDirMode); err != nil {
		return "", errors.Wrapf(err, "failed to create dir '%s'", pathname)
	}
	return pathname, nil
}

// LoadServerConfig reads a TOML server config. A missing file is not an
// error; defaults apply.
func LoadServerConfig(inPath string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := loadTOML(inPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadHostConfig reads a TOML host config. A missing file is not an error.
func LoadHostConfig(inPath string) (*HostConfig, error) {
	cfg := &HostConfig{}
	if err := loadTOML(inPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadTOML(inPath string, outCfg interface{}) error {
	if inPath == "" {
		return nil
	}

	pathname, err := homedir.Expand(inPath)
	if err != nil {
		return errors.Errorf("error expanding '%s'", inPath)
	}

	if _, err := os.Stat(pathname); os.IsNotExist(err) {
		return nil
	}

	if _, err := toml.DecodeFile(pathname, outCfg); err != nil {
		return kvplug.Errorf(err, kvplug.ConfigNotRead, "failed to parse config '%s'", pathname)
	}
	return nil
}

// ApplySpawnEnv overlays the environment a supervising host sets on a spawned
// server. Env entries win over file settings; absent entries change nothing.
func (cfg *ServerConfig) ApplySpawnEnv() error {
	if dir := os.Getenv(kvplug.EnvStorageDir); dir != "" {
		cfg.StorageDir = dir
	}
	if backend := os.Getenv(kvplug.EnvStorageBackend); backend != "" {
		cfg.StorageBackend = backend
	}
	if mode := os.Getenv(kvplug.EnvTLSMode); mode != "" {
		cfg.TLS.Mode = mode
	} else if os.Getenv(kvplug.EnvAutoMTLS) == "true" {
		cfg.TLS.Mode = "auto"
	}
	if keyType := os.Getenv(kvplug.EnvTLSKeyType); keyType != "" {
		cfg.TLS.KeyType = keyType
	}
	if curve := os.Getenv(kvplug.EnvTLSCurve); curve != "" {
		cfg.TLS.Curve = curve
	}
	if cert := os.Getenv(kvplug.EnvServerCert); cert != "" {
		cfg.TLS.CertFile = cert
	}
	if key := os.Getenv(kvplug.EnvServerKey); key != "" {
		cfg.TLS.KeyFile = key
	}
	return nil
}
