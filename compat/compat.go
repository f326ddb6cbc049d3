// Package compat is the pre-flight compatibility check for cross-runtime
// plugin sessions: which (client runtime, server runtime) pairs interoperate
// and which curves each runtime's crypto stack can actually negotiate.
//
// The tables are maintained by hand and document observed reality, including
// known defects in specific pairings. Do not infer a "corrected" model from
// first principles; an entry stays until the underlying behavior changes.
package compat

import (
	"path"
	"strings"

	"github.com/hostwire/kvplug/kvplug"
)

// Known runtime names.
const (
	RuntimeGo      = "go"
	RuntimePython  = "python"
	RuntimeUnknown = "unknown"
)

// Result is a pre-flight verdict with a human-actionable reason when
// unsupported.
type Result struct {
	Supported bool
	Reason    string
}

// pairMatrix maps client runtime -> server runtime -> verdict.
var pairMatrix = map[string]map[string]Result{
	RuntimeGo: {
		RuntimeGo:     {Supported: true},
		RuntimePython: {Supported: true},
	},
	RuntimePython: {
		RuntimePython: {Supported: true},
		RuntimeGo: {
			Supported: false,
			Reason: "python client -> go server connections are not currently supported " +
				"(known issue in the python plugin stack). Workarounds: " +
				"use go client -> python server, python client -> python server, " +
				"or go client -> go server",
		},
	},
}

// Runtimes returns the runtimes with matrix entries.
func Runtimes() []string {
	return []string{RuntimeGo, RuntimePython}
}

// CheckPair reports whether a client of inClientRuntime can drive a server of
// inServerRuntime.
func CheckPair(inClientRuntime, inServerRuntime string) Result {
	if servers, ok := pairMatrix[inClientRuntime]; ok {
		if res, ok := servers[inServerRuntime]; ok {
			return res
		}
	}
	return Result{
		Supported: false,
		Reason:    "no compatibility entry for " + inClientRuntime + " client -> " + inServerRuntime + " server",
	}
}

// SupportedCurves returns the curves a runtime's crypto stack can negotiate.
func SupportedCurves(inRuntime string) []string {
	switch inRuntime {
	case RuntimeGo:
		return []string{"secp256r1", "secp384r1", "secp521r1"}
	default:
		// The python grpc stack cannot negotiate secp521r1; unknown runtimes
		// get the conservative common subset.
		return []string{"secp256r1", "secp384r1"}
	}
}

// CheckCurve reports whether inRuntime can negotiate inCurve.
func CheckCurve(inCurve, inRuntime string) Result {
	if inRuntime == RuntimePython && inCurve == "secp521r1" {
		return Result{
			Supported: false,
			Reason: "curve 'secp521r1' is not supported by the python grpc stack; " +
				"use 'secp256r1' or 'secp384r1' instead",
		}
	}

	for _, curve := range SupportedCurves(inRuntime) {
		if curve == inCurve {
			return Result{Supported: true}
		}
	}
	if inRuntime == RuntimeGo && inCurve == "auto" {
		return Result{Supported: true}
	}

	return Result{
		Supported: false,
		Reason:    "curve '" + inCurve + "' has no support entry for runtime '" + inRuntime + "'",
	}
}

// DetectRuntime guesses a server executable's runtime from its name, the
// same heuristic peers use. Unknown names degrade to RuntimeUnknown rather
// than failing; CheckPair then reports the missing entry.
func DetectRuntime(inExePath string) string {
	name := path.Base(inExePath)

	switch {
	case name == "soup" || name == "python" || name == "python3" || strings.HasSuffix(name, ".py"):
		return RuntimePython
	case strings.Contains(name, "go"):
		return RuntimeGo
	}
	return RuntimeUnknown
}

// Validate is the combined pre-flight gate a client runs before spawning
// anything: pair check, then curve check against both runtimes when EC keys
// are in play. Errors carry the matrix reason.
func Validate(inClientRuntime, inServerRuntime string, inCrypto *kvplug.CryptoConfig) error {
	if res := CheckPair(inClientRuntime, inServerRuntime); !res.Supported {
		return kvplug.Errorf(nil, kvplug.UnsupportedRuntimePair, "%s", res.Reason)
	}

	if inCrypto.AuthMode == kvplug.AuthDisabled || inCrypto.KeyType != kvplug.KeyTypeEC {
		return nil
	}

	curve := inCrypto.EffectiveCurve()
	for _, runtime := range []string{inClientRuntime, inServerRuntime} {
		if res := CheckCurve(curve, runtime); !res.Supported {
			return kvplug.Errorf(nil, kvplug.UnsupportedCurve, "%s", res.Reason)
		}
	}
	return nil
}
