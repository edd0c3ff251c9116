package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klingon-exchange/threshmast/internal/output"
	"github.com/klingon-exchange/threshmast/internal/participants"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version     string `json:"version"`
	Network     string `json:"network"`
	DataDir     string `json:"data_dir"`
	Uptime      string `json:"uptime"`
	Commitments int    `json:"commitments"`
	WSClients   int    `json:"ws_clients"`

	Ceiling     uint64 `json:"ceiling"`
	MaxLeaves   uint64 `json:"max_leaves"`
	InternalKey string `json:"internal_key"`

	CacheEntries int    `json:"cache_entries"`
	CacheHits    uint64 `json:"cache_hits"`
	CacheMisses  uint64 `json:"cache_misses"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	commitments := 0
	if s.store != nil {
		if n, err := s.store.CountCommitments(); err == nil {
			commitments = n
		}
	}

	hits, misses := s.agg.Stats()

	return &NodeInfoResult{
		Version:      Version,
		Network:      string(s.network),
		DataDir:      s.cfg.Storage.DataDir,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Commitments:  commitments,
		WSClients:    s.wsHub.ClientCount(),
		Ceiling:      s.cfg.Mast.Ceiling,
		MaxLeaves:    s.cfg.Mast.MaxLeaves,
		InternalKey:  s.cfg.Mast.InternalKey,
		CacheEntries: s.agg.Len(),
		CacheHits:    hits,
		CacheMisses:  misses,
	}, nil
}

// ========================================
// Key handlers
// ========================================

// MnemonicResult is the response for keys_generateMnemonic.
type MnemonicResult struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) keysGenerateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mnemonic, err := participants.GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	return &MnemonicResult{Mnemonic: mnemonic}, nil
}

// KeysDeriveParams are the parameters for keys_derive.
type KeysDeriveParams struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase,omitempty"`
	Account    uint32 `json:"account"`
	Count      int    `json:"count"`
	Network    string `json:"network,omitempty"`
}

// KeysDeriveResult is the response for keys_derive.
type KeysDeriveResult struct {
	Network string   `json:"network"`
	Keys    []string `json:"keys"`
	Paths   []string `json:"paths"`
}

func (s *Server) keysDerive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p KeysDeriveParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	network, err := s.resolveNetwork(p.Network)
	if err != nil {
		return nil, err
	}
	if !participants.ValidateMnemonic(p.Mnemonic) {
		return nil, invalidParams("invalid mnemonic")
	}
	if p.Count <= 0 || p.Count > participants.MaxParticipants {
		return nil, invalidParams("count must be in [1,%d]", participants.MaxParticipants)
	}

	kr, err := participants.NewFromMnemonic(p.Mnemonic, p.Passphrase, network)
	if err != nil {
		return nil, err
	}
	keys, err := kr.DeriveParticipants(p.Account, p.Count)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(keys))
	for i := range keys {
		paths[i] = kr.DerivationPath(p.Account, uint32(i))
	}

	return &KeysDeriveResult{
		Network: string(network),
		Keys:    participants.EncodePublicKeys(keys),
		Paths:   paths,
	}, nil
}

// resolveNetwork parses an optional network name, defaulting to the
// configured one.
func (s *Server) resolveNetwork(name string) (output.Network, error) {
	if name == "" {
		return s.network, nil
	}
	net, err := output.ParseNetwork(name)
	if err != nil {
		return "", invalidParams("%v", err)
	}
	return net, nil
}
