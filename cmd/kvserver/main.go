package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hostwire/kvplug/config"
	"github.com/hostwire/kvplug/ctx"
	"github.com/hostwire/kvplug/kvplug"
	"github.com/hostwire/kvplug/service"
)

func main() {

	configPath := flag.String("config", "", "TOML config file (optional)")
	addr := flag.String("addr", "", "listen address (default 127.0.0.1, ephemeral port)")
	dir := flag.String("dir", "", "storage directory")
	backend := flag.String("backend", "", "storage backend: file | badger")
	tlsMode := flag.String("tls", "", "tls mode: disabled | auto | manual")
	keyType := flag.String("key-type", "", "key type for generated certs: ec | rsa")
	curve := flag.String("curve", "", "ec curve: secp256r1 | secp384r1 | secp521r1")
	certFile := flag.String("cert", "", "certificate file (manual tls)")
	keyFile := flag.String("key", "", "key file (manual tls)")

	flag.Parse()
	flag.Set("logtostderr", "true")

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		ctx.Fatalf("%v", err)
	}

	// Flags override the file; the spawn environment set by a supervising
	// host overrides both.
	overlay(&cfg.ListenAddr, *addr)
	overlay(&cfg.StorageDir, *dir)
	overlay(&cfg.StorageBackend, *backend)
	overlay(&cfg.TLS.Mode, *tlsMode)
	overlay(&cfg.TLS.KeyType, *keyType)
	overlay(&cfg.TLS.Curve, *curve)
	overlay(&cfg.TLS.CertFile, *certFile)
	overlay(&cfg.TLS.KeyFile, *keyFile)
	cfg.ApplySpawnEnv()

	if cfg.StorageDir == "" {
		cfg.StorageDir = "~/.kvplug/data"
	}
	storageDir, err := config.ExpandDirPath(cfg.StorageDir)
	if err != nil {
		ctx.Fatalf("%v", err)
	}

	crypto, err := cfg.TLS.CryptoConfig()
	if err != nil {
		ctx.Fatalf("%v", err)
	}

	srv := service.NewServer(service.Opts{
		StorageDir:     storageDir,
		StorageBackend: cfg.StorageBackend,
		ListenAddr:     cfg.ListenAddr,
		Crypto:         crypto,
	})

	if err := srv.Start(); err != nil {
		if kvplug.IsError(err, kvplug.CookieRejected) {
			fmt.Fprintln(os.Stderr,
				"This binary is a plugin. It is not meant to be executed directly.\n"+
					"Please execute it through a compatible plugin host.")
			os.Exit(1)
		}
		ctx.Fatalf("%v", err)
	}

	srv.AttachInterruptHandler()
	srv.CtxWait()
}

func overlay(ioValue *string, inFlag string) {
	if inFlag != "" {
		*ioValue = inFlag
	}
}
