package kvplug

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := Errorf(io.EOF, KeyNotFound, "key '%s' not found", "alpha")

	if !strings.Contains(err.Error(), "key 'alpha' not found") {
		t.Errorf("message lost: %v", err)
	}
	if !strings.Contains(err.Error(), "EOF") {
		t.Errorf("wrapped cause lost: %v", err)
	}
}

func TestIsError(t *testing.T) {
	err := Errorf(nil, HandshakeTimeout, "timed out")

	if !IsError(err, HandshakeTimeout) {
		t.Error("code should match")
	}
	if !IsError(err, MalformedHandshake, HandshakeTimeout) {
		t.Error("any listed code should match")
	}
	if IsError(err, MalformedHandshake) {
		t.Error("wrong code should not match")
	}
	if IsError(nil, HandshakeTimeout) {
		t.Error("nil error never matches")
	}
	if IsError(io.EOF, HandshakeTimeout) {
		t.Error("foreign error types never match")
	}
}

func TestUnwrap(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := Error(cause, ProcessExitedEarly, "died")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through Err")
	}
}

func TestFamiliesAreDisjoint(t *testing.T) {
	// Each family block must stay within its hundred so codes remain
	// recognizable in logs.
	if ConfigErrorFamily != 5000 {
		t.Errorf("ConfigErrorFamily = %d", ConfigErrorFamily)
	}
	for _, code := range []int32{ParamMissing, ConfigNotRead} {
		if code < 5000 || code >= 5100 {
			t.Errorf("config code %d out of family range", code)
		}
	}
	for _, code := range []int32{MalformedHandshake, CookieRejected} {
		if code < 5100 || code >= 5200 {
			t.Errorf("handshake code %d out of family range", code)
		}
	}
	for _, code := range []int32{CertificateMismatch, ChannelSetupFailed} {
		if code < 5200 || code >= 5300 {
			t.Errorf("transport code %d out of family range", code)
		}
	}
	for _, code := range []int32{InvalidKey, ClientNotStarted} {
		if code < 5300 || code >= 5400 {
			t.Errorf("service code %d out of family range", code)
		}
	}
}
