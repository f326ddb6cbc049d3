package config

import (
	"io/ioutil"
	"os"
	"path"
	"testing"

	"github.com/hostwire/kvplug/kvplug"
)

func writeConfig(t *testing.T, inBody string) string {
	dir, err := ioutil.TempDir("", "kvplug-config-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	pathname := path.Join(dir, "kvplug.toml")
	if err := ioutil.WriteFile(pathname, []byte(inBody), 0644); err != nil {
		t.Fatal(err)
	}
	return pathname
}

func TestLoadServerConfig(t *testing.T) {
	pathname := writeConfig(t, `
listen_addr = "127.0.0.1:50099"
storage_dir = "/var/lib/kvplug"
storage_backend = "badger"

[tls]
mode = "auto"
key_type = "ec"
curve = "secp256r1"
`)

	cfg, err := LoadServerConfig(pathname)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:50099" || cfg.StorageBackend != "badger" {
		t.Errorf("bad config: %+v", cfg)
	}

	crypto, err := cfg.TLS.CryptoConfig()
	if err != nil {
		t.Fatal(err)
	}
	if crypto.AuthMode != kvplug.AuthAutoMTLS || crypto.Curve != "secp256r1" {
		t.Errorf("bad crypto config: %+v", crypto)
	}
}

func TestLoadMissingConfigIsDefault(t *testing.T) {
	cfg, err := LoadServerConfig("/no/such/kvplug.toml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "" || cfg.TLS.Mode != "" {
		t.Errorf("missing file should yield zero config: %+v", cfg)
	}
}

func TestLoadBadTOML(t *testing.T) {
	pathname := writeConfig(t, `listen_addr = [broken`)

	_, err := LoadServerConfig(pathname)
	if !kvplug.IsError(err, kvplug.ConfigNotRead) {
		t.Errorf("expected ConfigNotRead, got %v", err)
	}
}

func TestManualModeValidation(t *testing.T) {
	settings := TLSSettings{Mode: "manual"}
	if _, err := settings.CryptoConfig(); !kvplug.IsError(err, kvplug.MissingManualCredentials) {
		t.Errorf("expected MissingManualCredentials, got %v", err)
	}

	settings = TLSSettings{Mode: "manual", CertFile: "/a.pem", KeyFile: "/a.key"}
	if _, err := settings.CryptoConfig(); err != nil {
		t.Errorf("manual mode with both paths should validate: %v", err)
	}
}

func TestApplySpawnEnv(t *testing.T) {
	envs := map[string]string{
		kvplug.EnvStorageDir:     "/tmp/kv-env",
		kvplug.EnvStorageBackend: "file",
		kvplug.EnvTLSMode:        "auto",
		kvplug.EnvTLSKeyType:     "ec",
		kvplug.EnvTLSCurve:       "secp384r1",
	}
	for key, value := range envs {
		os.Setenv(key, value)
	}
	t.Cleanup(func() {
		for key := range envs {
			os.Unsetenv(key)
		}
	})

	cfg := &ServerConfig{StorageDir: "/from/file", TLS: TLSSettings{Mode: "disabled"}}
	if err := cfg.ApplySpawnEnv(); err != nil {
		t.Fatal(err)
	}

	if cfg.StorageDir != "/tmp/kv-env" {
		t.Errorf("env should win over file: %q", cfg.StorageDir)
	}
	if cfg.TLS.Mode != "auto" || cfg.TLS.Curve != "secp384r1" {
		t.Errorf("tls env not applied: %+v", cfg.TLS)
	}
}

func TestExpandDirPath(t *testing.T) {
	dir, err := ioutil.TempDir("", "kvplug-expand-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sub := path.Join(dir, "a", "b")
	got, err := ExpandDirPath(sub)
	if err != nil {
		t.Fatal(err)
	}
	if got != sub {
		t.Errorf("got %q, want %q", got, sub)
	}
	if _, err := os.Stat(sub); err != nil {
		t.Errorf("dir not created: %v", err)
	}
}
