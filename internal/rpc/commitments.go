package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/internal/mast"
	"github.com/klingon-exchange/threshmast/internal/output"
	"github.com/klingon-exchange/threshmast/internal/participants"
	"github.com/klingon-exchange/threshmast/internal/storage"
	"github.com/klingon-exchange/threshmast/pkg/helpers"
)

// ========================================
// MAST commitment handlers
// ========================================

// CommitmentInfo is the API view of a stored commitment.
type CommitmentInfo struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Network string `json:"network"`

	N            int      `json:"n"`
	Threshold    int      `json:"threshold"`
	GroupSize    int      `json:"group_size,omitempty"`
	Participants []string `json:"participants"`

	InternalKeyMode string `json:"internal_key_mode"`
	InternalKey     string `json:"internal_key"`
	OutputKey       string `json:"output_key"`
	Root            string `json:"root"`
	Address         string `json:"address"`

	Total     uint64 `json:"total"`
	Dropped   uint64 `json:"dropped"`
	Leaves    uint64 `json:"leaves"`
	Depth     int    `json:"depth"`
	MaxLeaves uint64 `json:"max_leaves,omitempty"`

	CreatedAt int64 `json:"created_at"`
	Existing  bool  `json:"existing,omitempty"`
}

func commitmentToInfo(rec *storage.Commitment) *CommitmentInfo {
	leaves := rec.Total - rec.Dropped
	return &CommitmentInfo{
		ID:              rec.ID,
		Label:           rec.Label,
		Network:         rec.Network,
		N:               len(rec.Participants),
		Threshold:       rec.Threshold,
		GroupSize:       rec.GroupSize,
		Participants:    rec.Participants,
		InternalKeyMode: rec.InternalKeyMode,
		InternalKey:     rec.InternalKey,
		OutputKey:       rec.OutputKey,
		Root:            rec.Root,
		Address:         rec.Address,
		Total:           rec.Total,
		Dropped:         rec.Dropped,
		Leaves:          leaves,
		Depth:           mast.Depth(leaves),
		MaxLeaves:       rec.MaxLeaves,
		CreatedAt:       rec.CreatedAt.Unix(),
	}
}

// CommitParams are the parameters for mast_commit.
type CommitParams struct {
	PubKeys     []string `json:"pubkeys"`
	Threshold   int      `json:"threshold"`
	GroupSize   *int     `json:"group_size,omitempty"`
	MaxLeaves   *uint64  `json:"max_leaves,omitempty"`
	InternalKey string   `json:"internal_key,omitempty"`
	Label       string   `json:"label,omitempty"`
	Network     string   `json:"network,omitempty"`
}

func (s *Server) mastCommit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CommitParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	network, err := s.resolveNetwork(p.Network)
	if err != nil {
		return nil, err
	}
	netParams, _ := network.Params()

	keys, err := participants.ParsePublicKeys(p.PubKeys)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	modeName := p.InternalKey
	if modeName == "" {
		modeName = s.cfg.Mast.InternalKey
	}
	mode, err := mast.ParseInternalKeyMode(modeName)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	groupSize := s.cfg.Mast.GroupSize
	if p.GroupSize != nil {
		groupSize = *p.GroupSize
	}
	if groupSize < 0 {
		return nil, invalidParams("group_size cannot be negative")
	}

	budget := s.cfg.Budget()
	if p.MaxLeaves != nil {
		budget.MaxLeaves = *p.MaxLeaves
	}

	c, err := s.controllers[mode].CommitGrouped(keys, p.Threshold, groupSize, budget)
	if err != nil {
		return nil, err
	}

	address, err := c.Address(netParams)
	if err != nil {
		return nil, err
	}

	root := c.Root()
	rec := &storage.Commitment{
		Label:           p.Label,
		Network:         string(network),
		Threshold:       c.Threshold,
		GroupSize:       c.GroupSize,
		Participants:    participants.EncodePublicKeys(c.Participants.Keys()),
		InternalKeyMode: string(c.InternalKeyMode),
		InternalKey:     helpers.BytesToHex(schnorr.SerializePubKey(c.InternalKey)),
		OutputKey:       helpers.BytesToHex(schnorr.SerializePubKey(c.OutputKey)),
		Root:            helpers.BytesToHex(root[:]),
		Address:         address,
		Total:           c.Total,
		Dropped:         c.Dropped,
		MaxLeaves:       budget.MaxLeaves,
		Tree:            c.Tree.Bytes(),
	}

	if err := s.store.CreateCommitment(rec); err != nil {
		if !errors.Is(err, storage.ErrCommitmentExists) {
			return nil, err
		}
		existing, getErr := s.store.GetCommitmentByOutputKey(rec.Network, rec.OutputKey)
		if getErr != nil {
			return nil, getErr
		}
		info := commitmentToInfo(existing)
		info.Existing = true
		return info, nil
	}

	s.loaded.Add(rec.ID, c)

	s.log.Info("Commitment created",
		"id", rec.ID,
		"n", c.N(),
		"m", c.Threshold,
		"leaves", c.Tree.LeafCount(),
		"dropped", c.Dropped,
		"address", address,
	)

	info := commitmentToInfo(rec)
	s.wsHub.Broadcast(EventCommitmentCreated, info)

	return info, nil
}

// IDParams identify a stored commitment.
type IDParams struct {
	ID string `json:"id"`
}

func (s *Server) mastGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	rec, err := s.store.GetCommitment(p.ID)
	if err != nil {
		return nil, err
	}
	return commitmentToInfo(rec), nil
}

// ListParams are the parameters for mast_list.
type ListParams struct {
	Network string `json:"network,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (s *Server) mastList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListParams
	if len(params) > 0 {
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
	}

	recs, err := s.store.ListCommitments(storage.CommitmentFilter{
		Network: p.Network,
		Limit:   p.Limit,
		Offset:  p.Offset,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*CommitmentInfo, len(recs))
	for i, rec := range recs {
		out[i] = commitmentToInfo(rec)
	}
	return out, nil
}

func (s *Server) mastDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.store.DeleteCommitment(p.ID); err != nil {
		return nil, err
	}
	s.loaded.Remove(p.ID)
	s.wsHub.Broadcast(EventCommitmentDeleted, map[string]string{"id": p.ID})
	return map[string]bool{"deleted": true}, nil
}

// load returns the stored record and its rebuilt commitment. Rebuilding is
// deterministic; the result must reproduce the stored root and leaves.
func (s *Server) load(id string) (*storage.Commitment, *mast.Commitment, error) {
	rec, err := s.store.GetCommitment(id)
	if err != nil {
		return nil, nil, err
	}
	if c, ok := s.loaded.Get(id); ok {
		return rec, c, nil
	}

	keys, err := participants.ParsePublicKeys(rec.Participants)
	if err != nil {
		return nil, nil, fmt.Errorf("stored commitment %s: %w", id, err)
	}
	mode, err := mast.ParseInternalKeyMode(rec.InternalKeyMode)
	if err != nil {
		return nil, nil, fmt.Errorf("stored commitment %s: %w", id, err)
	}

	budget := mast.Budget{MaxLeaves: rec.MaxLeaves, Ceiling: rec.Total}
	c, err := s.controllers[mode].CommitGrouped(keys, rec.Threshold, rec.GroupSize, budget)
	if err != nil {
		return nil, nil, fmt.Errorf("stored commitment %s: %w", id, err)
	}

	root := c.Root()
	if helpers.BytesToHex(root[:]) != rec.Root || !helpers.ConstantTimeCompare(c.Tree.Bytes(), rec.Tree) {
		return nil, nil, fmt.Errorf("stored commitment %s does not rebuild to its root", id)
	}

	s.loaded.Add(id, c)
	s.log.Debug("Commitment rebuilt", "id", id, "leaves", c.Tree.LeafCount())
	return rec, c, nil
}

// SpendProofParams are the parameters for mast_spendProof.
type SpendProofParams struct {
	ID      string   `json:"id"`
	Signers []string `json:"signers"`
}

// ProofStepInfo is one sibling of an inclusion proof.
type ProofStepInfo struct {
	Hash string `json:"hash"`
	Side string `json:"side"`
}

// SpendProofResult is the response for mast_spendProof.
type SpendProofResult struct {
	CommitmentID    string          `json:"commitment_id"`
	LeafIndex       uint64          `json:"leaf_index"`
	Combination     []int           `json:"combination"`
	Signers         []string        `json:"signers"`
	AggregatedKey   string          `json:"aggregated_key"`
	LeafScript      string          `json:"leaf_script"`
	LeafHash        string          `json:"leaf_hash"`
	Steps           []ProofStepInfo `json:"steps"`
	Proof           string          `json:"proof"`
	Root            string          `json:"root"`
	InternalKey     string          `json:"internal_key"`
	OutputKey       string          `json:"output_key"`
	OutputKeyParity bool            `json:"output_key_parity"`
}

func (s *Server) mastSpendProof(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SpendProofParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	signers, err := participants.ParsePublicKeys(p.Signers)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	rec, c, err := s.load(p.ID)
	if err != nil {
		return nil, err
	}

	mode, _ := mast.ParseInternalKeyMode(rec.InternalKeyMode)
	sp, err := s.controllers[mode].SpendProof(c, signers)
	if err != nil {
		return nil, err
	}

	steps := make([]ProofStepInfo, len(sp.Proof.Steps))
	for i, step := range sp.Proof.Steps {
		steps[i] = ProofStepInfo{Hash: helpers.BytesToHex(step.Hash[:]), Side: step.Side.String()}
	}
	proofBytes := sp.Proof.Bytes()

	result := &SpendProofResult{
		CommitmentID:    rec.ID,
		LeafIndex:       sp.Proof.LeafIndex,
		Combination:     sp.Combination,
		Signers:         participants.EncodePublicKeys(c.Participants.Select(sp.Combination)),
		AggregatedKey:   helpers.BytesToHex(schnorr.SerializePubKey(sp.AggregatedKey)),
		LeafScript:      helpers.BytesToHex(mast.LeafScript(sp.AggregatedKey)),
		LeafHash:        helpers.BytesToHex(sp.LeafHash[:]),
		Steps:           steps,
		Proof:           helpers.BytesToHex(proofBytes),
		Root:            rec.Root,
		InternalKey:     rec.InternalKey,
		OutputKey:       rec.OutputKey,
		OutputKeyParity: c.OutputKeyParity(),
	}

	if err := s.store.RecordSpend(&storage.SpendRecord{
		CommitmentID: rec.ID,
		LeafIndex:    sp.Proof.LeafIndex,
		Signers:      result.Signers,
		Proof:        proofBytes,
	}); err != nil {
		s.log.Warn("Failed to record spend proof", "id", rec.ID, "error", err)
	}

	s.wsHub.Broadcast(EventSpendProofIssued, map[string]interface{}{
		"commitment_id": rec.ID,
		"leaf_index":    sp.Proof.LeafIndex,
	})

	return result, nil
}

// SpendRecordInfo is the API view of an issued spend proof.
type SpendRecordInfo struct {
	LeafIndex uint64   `json:"leaf_index"`
	Signers   []string `json:"signers"`
	Proof     string   `json:"proof"`
	CreatedAt int64    `json:"created_at"`
}

func (s *Server) mastSpends(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p IDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := s.store.GetCommitment(p.ID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListSpends(p.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*SpendRecordInfo, len(recs))
	for i, r := range recs {
		out[i] = &SpendRecordInfo{
			LeafIndex: r.LeafIndex,
			Signers:   r.Signers,
			Proof:     helpers.BytesToHex(r.Proof),
			CreatedAt: r.CreatedAt.Unix(),
		}
	}
	return out, nil
}

// VerifyParams are the parameters for mast_verify. Either ID or Root must
// be set; ID also pins the proof length to the stored tree's depth.
type VerifyParams struct {
	ID            string `json:"id,omitempty"`
	Root          string `json:"root,omitempty"`
	AggregatedKey string `json:"aggregated_key"`
	Proof         string `json:"proof"`
}

// VerifyResult is the response for mast_verify.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	LeafHash string `json:"leaf_hash"`
}

func (s *Server) mastVerify(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p VerifyParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	keyBytes, err := helpers.HexToBytes(p.AggregatedKey)
	if err != nil {
		return nil, invalidParams("invalid aggregated_key: %v", err)
	}
	leaf, err := mast.HashLeafBytes(keyBytes)
	if err != nil {
		return nil, invalidParams("invalid aggregated_key: %v", err)
	}

	proofBytes, err := helpers.HexToBytes(p.Proof)
	if err != nil {
		return nil, invalidParams("invalid proof: %v", err)
	}
	proof, err := mast.ParseProof(proofBytes)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	result := &VerifyResult{LeafHash: helpers.BytesToHex(leaf[:])}

	switch {
	case p.ID != "":
		rec, err := s.store.GetCommitment(p.ID)
		if err != nil {
			return nil, err
		}
		tree, err := mast.ParseTree(rec.Tree)
		if err != nil {
			return nil, fmt.Errorf("stored commitment %s: %w", p.ID, err)
		}
		result.Valid = mast.VerifyForTree(leaf, proof, tree.Root(), uint64(tree.LeafCount()))

	case p.Root != "":
		rootBytes, err := helpers.HexToFixed(p.Root, 32)
		if err != nil {
			return nil, invalidParams("invalid root: %v", err)
		}
		if helpers.IsZeroBytes(rootBytes) {
			return nil, invalidParams("root cannot be zero")
		}
		var root [32]byte
		copy(root[:], rootBytes)
		result.Valid = mast.Verify(leaf, proof, root)

	default:
		return nil, invalidParams("either id or root is required")
	}

	return result, nil
}

// AddressParams are the parameters for mast_address.
type AddressParams struct {
	ID      string `json:"id"`
	Network string `json:"network,omitempty"`
}

// AddressResult is the response for mast_address.
type AddressResult struct {
	Network      string `json:"network"`
	Taproot      string `json:"taproot"`
	ScriptPubKey string `json:"script_pubkey"`
	P2SH         string `json:"p2sh,omitempty"`
	RedeemScript string `json:"redeem_script,omitempty"`
}

func (s *Server) mastAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddressParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}

	_, c, err := s.load(p.ID)
	if err != nil {
		return nil, err
	}

	network, err := s.resolveNetwork(p.Network)
	if err != nil {
		return nil, err
	}
	netParams, _ := network.Params()

	taproot, err := c.Address(netParams)
	if err != nil {
		return nil, err
	}
	pkScript, err := output.TaprootScriptPubKey(c.OutputKey)
	if err != nil {
		return nil, err
	}

	result := &AddressResult{
		Network:      string(network),
		Taproot:      taproot,
		ScriptPubKey: helpers.BytesToHex(pkScript),
	}

	// The legacy fallback only expresses the plain policy.
	if c.GroupSize == 0 && c.N() <= output.MaxMultisigKeys {
		redeem, err := output.MultisigRedeemScript(c.Participants.Keys(), c.Threshold, netParams)
		if err != nil {
			return nil, err
		}
		p2sh, err := output.P2SHAddress(redeem, netParams)
		if err != nil {
			return nil, err
		}
		result.P2SH = p2sh
		result.RedeemScript = helpers.BytesToHex(redeem)
	}

	return result, nil
}

// MinThresholdParams are the parameters for mast_minThreshold.
type MinThresholdParams struct {
	N         int    `json:"n"`
	MaxLeaves uint64 `json:"max_leaves"`
}

// MinThresholdResult is the response for mast_minThreshold.
type MinThresholdResult struct {
	Threshold int    `json:"threshold"`
	Leaves    uint64 `json:"leaves"`
}

func (s *Server) mastMinThreshold(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p MinThresholdParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if p.N <= 0 {
		return nil, invalidParams("n must be positive")
	}

	m := combination.MinThreshold(p.N, p.MaxLeaves)
	leaves, ok := combination.Count(p.N, m)
	if !ok {
		return nil, fmt.Errorf("%w: C(%d,%d) exceeds 2^64", mast.ErrCombinatorialOverflow, p.N, m)
	}
	return &MinThresholdResult{Threshold: m, Leaves: leaves}, nil
}
