// Package service implements the KV plugin server: a gRPC KV servicer over a
// pluggable storage backend, plus the server half of the stdout handshake.
package service

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/hostwire/kvplug/ctx"
	"github.com/hostwire/kvplug/kvplug"
	"github.com/hostwire/kvplug/proto/kv"
)

// Keys must be non-empty and drawn from a filename-safe alphabet since the
// flat-file backend embeds them in paths.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidKey reports whether inKey is acceptable to the KV service.
func ValidKey(inKey string) bool {
	return keyPattern.MatchString(inKey)
}

// ServerInfo describes the serving endpoint for handshake enrichment.
type ServerInfo struct {
	Endpoint        string
	ProtocolVersion int
	TLSMode         string
	KeyType         string
	Curve           string
	CertFingerprint string
}

type tlsConfigInfo struct {
	KeyType string `json:"key_type"`
	Curve   string `json:"curve"`
}

type serverHandshakeInfo struct {
	Endpoint        string         `json:"endpoint"`
	ProtocolVersion int            `json:"protocol_version"`
	TLSMode         string         `json:"tls_mode"`
	Timestamp       string         `json:"timestamp"`
	ReceivedAt      float64        `json:"received_at"`
	TLSConfig       *tlsConfigInfo `json:"tls_config,omitempty"`
	CertFingerprint *string        `json:"cert_fingerprint"`
}

// kvServicer implements kv.KVServer over a Store.
type kvServicer struct {
	kv.UnimplementedKVServer

	ctx     *ctx.Context
	store   Store
	info    ServerInfo
	started time.Time
}

// Get fetches the value stored under the request key.
func (sv *kvServicer) Get(inCtx context.Context, inReq *kv.GetRequest) (*kv.GetResponse, error) {
	if !ValidKey(inReq.GetKey()) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid key '%s'", inReq.GetKey())
	}

	value, err := sv.store.Get(inReq.GetKey())
	if err != nil {
		if kvplug.IsError(err, kvplug.KeyNotFound) {
			return nil, status.Errorf(codes.NotFound, "key '%s' not found", inReq.GetKey())
		}
		sv.ctx.Errorf("get of '%s' failed: %v", inReq.GetKey(), err)
		return nil, status.Errorf(codes.Internal, "storage failure")
	}

	return &kv.GetResponse{Value: value}, nil
}

// Put stores the request value, tagging JSON-object values with a
// server_handshake block describing this endpoint.
func (sv *kvServicer) Put(inCtx context.Context, inReq *kv.PutRequest) (*kv.Empty, error) {
	if !ValidKey(inReq.GetKey()) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid key '%s'", inReq.GetKey())
	}

	value := sv.enrich(inCtx, inReq.GetValue())

	if err := sv.store.Put(inReq.GetKey(), value); err != nil {
		sv.ctx.Errorf("put of '%s' failed: %v", inReq.GetKey(), err)
		return nil, status.Errorf(codes.Internal, "storage failure")
	}

	return &kv.Empty{}, nil
}

// enrich adds a server_handshake member to values that parse as JSON
// objects. Anything else (arrays, scalars, non-JSON bytes) passes through
// untouched. The endpoint names the calling peer; received_at is seconds
// since this server came up.
func (sv *kvServicer) enrich(inCtx context.Context, inValue []byte) []byte {
	var doc map[string]interface{}
	if err := json.Unmarshal(inValue, &doc); err != nil || doc == nil {
		return inValue
	}

	endpoint := sv.info.Endpoint
	if p, ok := peer.FromContext(inCtx); ok && p.Addr != nil {
		endpoint = p.Addr.String()
	}

	shake := serverHandshakeInfo{
		Endpoint:        endpoint,
		ProtocolVersion: sv.info.ProtocolVersion,
		TLSMode:         sv.info.TLSMode,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		ReceivedAt:      math.Round(time.Since(sv.started).Seconds()*1000) / 1000,
	}
	if sv.info.KeyType != "" {
		shake.TLSConfig = &tlsConfigInfo{
			KeyType: sv.info.KeyType,
			Curve:   sv.info.Curve,
		}
	}
	if sv.info.CertFingerprint != "" {
		fp := sv.info.CertFingerprint
		shake.CertFingerprint = &fp
	}

	doc["server_handshake"] = shake

	out, err := json.Marshal(doc)
	if err != nil {
		sv.ctx.Warnf("handshake enrichment failed, storing value as-is: %v", err)
		return inValue
	}
	return out
}
