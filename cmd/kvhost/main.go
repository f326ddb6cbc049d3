package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hostwire/kvplug/compat"
	"github.com/hostwire/kvplug/config"
	"github.com/hostwire/kvplug/ctx"
	"github.com/hostwire/kvplug/host"
	"github.com/hostwire/kvplug/kvplug"
)

const usage = `usage: kvhost -server <path> [flags] put <key> <value>
       kvhost -server <path> [flags] get <key>
       kvhost -server <path> [flags] validate
`

func main() {

	configPath := flag.String("config", "", "TOML config file (optional)")
	serverExe := flag.String("server", "", "path to the KV server executable")
	dir := flag.String("dir", "", "storage directory handed to the server")
	backend := flag.String("backend", "", "storage backend handed to the server: file | badger")
	tlsMode := flag.String("tls", "", "tls mode: disabled | auto | manual")
	keyType := flag.String("key-type", "", "key type: ec | rsa")
	curve := flag.String("curve", "", "ec curve: secp256r1 | secp384r1 | secp521r1")
	certFile := flag.String("cert", "", "client certificate file (manual tls)")
	keyFile := flag.String("key", "", "client key file (manual tls)")
	timeoutSecs := flag.Int("timeout", 0, "per-call timeout in seconds")

	flag.Parse()
	flag.Set("logtostderr", "true")

	cfg, err := config.LoadHostConfig(*configPath)
	if err != nil {
		ctx.Fatalf("%v", err)
	}

	overlay(&cfg.ServerExe, *serverExe)
	overlay(&cfg.StorageDir, *dir)
	overlay(&cfg.StorageBackend, *backend)
	overlay(&cfg.TLS.Mode, *tlsMode)
	overlay(&cfg.TLS.KeyType, *keyType)
	overlay(&cfg.TLS.Curve, *curve)
	overlay(&cfg.TLS.CertFile, *certFile)
	overlay(&cfg.TLS.KeyFile, *keyFile)
	if *timeoutSecs > 0 {
		cfg.CallTimeout = *timeoutSecs
	}

	args := flag.Args()
	if cfg.ServerExe == "" || len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	crypto, err := cfg.TLS.CryptoConfig()
	if err != nil {
		ctx.Fatalf("%v", err)
	}

	// validate only consults the compatibility matrix; nothing is spawned.
	if args[0] == "validate" {
		os.Exit(validate(cfg.ServerExe, &crypto))
	}
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cl := host.NewClient(host.ClientOpts{
		ExePath:          cfg.ServerExe,
		StorageDir:       cfg.StorageDir,
		StorageBackend:   cfg.StorageBackend,
		Crypto:           crypto,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second,
		CallTimeout:      time.Duration(cfg.CallTimeout) * time.Second,
	})

	if err := cl.Start(); err != nil {
		ctx.Fatalf("start failed: %v", err)
	}
	defer cl.Close()

	callCtx := context.Background()

	switch args[0] {

	case "put":
		if len(args) != 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		if err := cl.Put(callCtx, args[1], []byte(args[2])); err != nil {
			ctx.Fatalf("put failed: %v", err)
		}
		fmt.Printf("stored %q\n", args[1])

	case "get":
		value, err := cl.Get(callCtx, args[1])
		if err != nil {
			if kvplug.IsError(err, kvplug.KeyNotFound) {
				fmt.Fprintf(os.Stderr, "key %q not found\n", args[1])
				os.Exit(1)
			}
			ctx.Fatalf("get failed: %v", err)
		}
		os.Stdout.Write(value)
		fmt.Println()

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func overlay(ioValue *string, inFlag string) {
	if inFlag != "" {
		*ioValue = inFlag
	}
}

func validate(inServerExe string, inCrypto *kvplug.CryptoConfig) int {
	serverRuntime := compat.DetectRuntime(inServerExe)
	fmt.Printf("server runtime: %s\n", serverRuntime)

	if res := compat.CheckPair(compat.RuntimeGo, serverRuntime); !res.Supported {
		fmt.Printf("pair go -> %s: UNSUPPORTED\n  %s\n", serverRuntime, res.Reason)
		return 1
	}
	fmt.Printf("pair go -> %s: ok\n", serverRuntime)

	if inCrypto.AuthMode != kvplug.AuthDisabled && inCrypto.KeyType == kvplug.KeyTypeEC {
		curve := inCrypto.EffectiveCurve()
		if res := compat.CheckCurve(curve, serverRuntime); !res.Supported {
			fmt.Printf("curve %s on %s: UNSUPPORTED\n  %s\n", curve, serverRuntime, res.Reason)
			return 1
		}
		fmt.Printf("curve %s on %s: ok\n", curve, serverRuntime)
	}

	return 0
}
