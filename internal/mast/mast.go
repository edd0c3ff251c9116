// Package mast commits every qualifying signer subset of an M-of-N policy to
// a tagged Merkle tree and produces inclusion proofs for spending through one
// of them.
package mast

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/internal/keyagg"
	"github.com/klingon-exchange/threshmast/internal/output"
	"github.com/klingon-exchange/threshmast/pkg/helpers"
	"github.com/klingon-exchange/threshmast/pkg/logging"
)

// InternalKeyMode selects the Taproot internal key of a commitment.
type InternalKeyMode string

const (
	// InternalKeyAggregate uses the MuSig2 aggregate of all participants,
	// leaving an N-of-N key-path spend available.
	InternalKeyAggregate InternalKeyMode = "aggregate"
	// InternalKeyNUMS uses the BIP-341 unspendable point so that only the
	// script path can spend.
	InternalKeyNUMS InternalKeyMode = "nums"
)

// ParseInternalKeyMode validates a configured internal key mode. The empty
// string selects InternalKeyAggregate.
func ParseInternalKeyMode(s string) (InternalKeyMode, error) {
	switch InternalKeyMode(s) {
	case "", InternalKeyAggregate:
		return InternalKeyAggregate, nil
	case InternalKeyNUMS:
		return InternalKeyNUMS, nil
	default:
		return "", fmt.Errorf("unknown internal key mode: %q", s)
	}
}

// Options configures a Controller.
type Options struct {
	// Aggregator defaults to keyagg.MuSig2Aggregator.
	Aggregator keyagg.Aggregator
	// Workers bounds parallel aggregation. Zero uses GOMAXPROCS.
	Workers     int
	InternalKey InternalKeyMode
	Logger      *logging.Logger
}

// Controller builds commitments and spend proofs.
type Controller struct {
	agg         keyagg.Aggregator
	workers     int
	internalKey InternalKeyMode
	log         *logging.Logger
}

// NewController creates a controller. A nil opts uses defaults.
func NewController(opts *Options) *Controller {
	if opts == nil {
		opts = &Options{}
	}
	c := &Controller{
		agg:         opts.Aggregator,
		workers:     opts.Workers,
		internalKey: opts.InternalKey,
		log:         opts.Logger,
	}
	if c.agg == nil {
		c.agg = keyagg.MuSig2Aggregator{}
	}
	if c.internalKey == "" {
		c.internalKey = InternalKeyAggregate
	}
	if c.log == nil {
		c.log = logging.GetDefault().Component("mast")
	}
	return c
}

// Commitment is a built MAST and the output it commits to.
type Commitment struct {
	Participants *keyagg.ParticipantSet
	Threshold    int
	// GroupSize is 0 for the plain policy.
	GroupSize int

	// Combinations and AggregatedKeys are index-aligned with the tree leaves.
	Combinations   []combination.Combination
	AggregatedKeys []*btcec.PublicKey
	Tree           *Tree

	InternalKeyMode InternalKeyMode
	InternalKey     *btcec.PublicKey
	OutputKey       *btcec.PublicKey

	// Total is the size of the full subset space and Dropped the number of
	// subsets the budget left out.
	Total   uint64
	Dropped uint64
}

// Root returns the Merkle root.
func (c *Commitment) Root() chainhash.Hash {
	return c.Tree.Root()
}

// N returns the participant count.
func (c *Commitment) N() int {
	return c.Participants.Len()
}

// Signers returns the participant keys behind leaf i.
func (c *Commitment) Signers(i int) ([]*btcec.PublicKey, error) {
	if i < 0 || i >= len(c.Combinations) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(c.Combinations))
	}
	return c.Participants.Select(c.Combinations[i]), nil
}

// Address returns the P2TR address of the output key.
func (c *Commitment) Address(params *chaincfg.Params) (string, error) {
	return output.TaprootAddress(c.OutputKey, params)
}

// OutputKeyParity reports whether the output key has an odd y coordinate.
func (c *Commitment) OutputKeyParity() bool {
	return output.OutputKeyParity(c.OutputKey)
}

// Commit builds the MAST for threshold-of-len(pubKeys) under the budget.
func (ctl *Controller) Commit(pubKeys []*btcec.PublicKey, threshold int, budget Budget) (*Commitment, error) {
	set, err := keyagg.NewParticipantSet(pubKeys)
	if err != nil {
		return nil, err
	}

	total, err := combination.Total(set.Len(), threshold, budget.Ceiling)
	if err != nil {
		return nil, err
	}
	keep, dropped := budget.Plan(total)

	combos, err := combination.EnumerateFirst(set.Len(), threshold, keep, budget.Ceiling)
	if err != nil {
		return nil, err
	}

	return ctl.build(set, threshold, 0, combos, total, dropped)
}

// CommitGrouped builds the MAST for the grouped policy: participants are
// split into blocks of groupSize and every leaf is a union of whole blocks.
func (ctl *Controller) CommitGrouped(pubKeys []*btcec.PublicKey, threshold, groupSize int, budget Budget) (*Commitment, error) {
	if groupSize <= 1 {
		return ctl.Commit(pubKeys, threshold, budget)
	}

	set, err := keyagg.NewParticipantSet(pubKeys)
	if err != nil {
		return nil, err
	}

	// The ceiling bounds the full grouped enumeration before pruning.
	all, _, err := combination.Grouped(set.Len(), threshold, groupSize, 0, budget.Ceiling)
	if err != nil {
		return nil, err
	}
	combos, dropped := Prune(all, budget)
	total := uint64(len(all))

	return ctl.build(set, threshold, groupSize, combos, total, dropped)
}

func (ctl *Controller) build(set *keyagg.ParticipantSet, threshold, groupSize int, combos []combination.Combination, total, dropped uint64) (*Commitment, error) {
	start := time.Now()

	keys, err := keyagg.AggregateAll(ctl.agg, set, combos, ctl.workers)
	if err != nil {
		return nil, err
	}

	leaves := make([]chainhash.Hash, len(keys))
	for i, k := range keys {
		leaves[i] = HashLeaf(k)
	}

	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, err
	}

	internal, err := ctl.internalKeyFor(set)
	if err != nil {
		return nil, err
	}
	outputKey, err := output.TweakKey(internal, tree.Root())
	if err != nil {
		return nil, err
	}

	if dropped > 0 {
		ctl.log.Warn("Budget pruned subsets", "total", total, "kept", len(combos), "dropped", dropped)
	}
	root := tree.Root()
	ctl.log.Debug("Commitment built",
		"n", set.Len(),
		"m", threshold,
		"group", groupSize,
		"leaves", tree.LeafCount(),
		"depth", tree.Depth(),
		"root", helpers.BytesToHex(root[:]),
		"elapsed", time.Since(start),
	)

	return &Commitment{
		Participants:    set,
		Threshold:       threshold,
		GroupSize:       groupSize,
		Combinations:    combos,
		AggregatedKeys:  keys,
		Tree:            tree,
		InternalKeyMode: ctl.internalKey,
		InternalKey:     internal,
		OutputKey:       outputKey,
		Total:           total,
		Dropped:         dropped,
	}, nil
}

func (ctl *Controller) internalKeyFor(set *keyagg.ParticipantSet) (*btcec.PublicKey, error) {
	switch ctl.internalKey {
	case InternalKeyNUMS:
		return output.NUMSKey(), nil
	case InternalKeyAggregate:
		key, err := ctl.agg.Aggregate(set.Keys())
		if err != nil {
			return nil, fmt.Errorf("internal key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unknown internal key mode: %q", ctl.internalKey)
	}
}

// SpendProof is everything a spender needs to reveal one leaf.
type SpendProof struct {
	Combination   combination.Combination
	AggregatedKey *btcec.PublicKey
	LeafHash      chainhash.Hash
	Proof         *InclusionProof
	InternalKey   *btcec.PublicKey
	OutputKey     *btcec.PublicKey
}

// SpendProof locates the leaf for a signer subset, given in any order, and
// returns its inclusion proof.
func (ctl *Controller) SpendProof(c *Commitment, signers []*btcec.PublicKey) (*SpendProof, error) {
	combo, err := c.Participants.Resolve(signers)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubsetNotCommitted, err)
	}

	rank, err := c.rank(combo)
	if err != nil {
		return nil, err
	}
	if rank >= uint64(len(c.Combinations)) {
		return nil, fmt.Errorf("%w: subset %s is pruned (rank %d, kept %d)",
			ErrSubsetNotCommitted, combo, rank, len(c.Combinations))
	}
	if !c.Combinations[rank].Equal(combo) {
		return nil, fmt.Errorf("%w: leaf %d holds %s, not %s",
			ErrSubsetNotCommitted, rank, c.Combinations[rank], combo)
	}

	proof, err := Prove(c.Tree, int(rank))
	if err != nil {
		return nil, err
	}
	leaf, _ := c.Tree.Leaf(int(rank))

	ctl.log.Debug("Spend proof built", "subset", combo.String(), "leaf", rank, "steps", len(proof.Steps))

	return &SpendProof{
		Combination:   combo,
		AggregatedKey: c.AggregatedKeys[rank],
		LeafHash:      leaf,
		Proof:         proof,
		InternalKey:   c.InternalKey,
		OutputKey:     c.OutputKey,
	}, nil
}

// rank maps a combination to its leaf position in canonical order.
func (c *Commitment) rank(combo combination.Combination) (uint64, error) {
	if c.GroupSize <= 1 {
		if len(combo) != c.Threshold {
			return 0, fmt.Errorf("%w: subset has %d signers, threshold is %d",
				ErrSubsetNotCommitted, len(combo), c.Threshold)
		}
		return combination.Rank(combo, c.N())
	}

	blocks, err := combination.NewBlocks(c.N(), c.Threshold, c.GroupSize)
	if err != nil {
		return 0, err
	}
	collapsed, ok := blocks.Collapse(combo)
	if !ok || len(collapsed) != blocks.Quorum() {
		return 0, fmt.Errorf("%w: subset %s is not a quorum of whole groups", ErrSubsetNotCommitted, combo)
	}
	if len(combo) < c.Threshold || collapsed[len(collapsed)-1] >= blocks.Usable() {
		return 0, fmt.Errorf("%w: subset %s has %d signers, threshold is %d",
			ErrSubsetNotCommitted, combo, len(combo), c.Threshold)
	}
	return combination.Rank(collapsed, blocks.Usable())
}

// VerifySpend recomputes the leaf from the proof's aggregated key and checks
// it against root.
func VerifySpend(sp *SpendProof, root chainhash.Hash) bool {
	if sp == nil || sp.AggregatedKey == nil {
		return false
	}
	return Verify(HashLeaf(sp.AggregatedKey), sp.Proof, root)
}

// VerifySpend checks a spend proof against this commitment's root and
// tree shape.
func (c *Commitment) VerifySpend(sp *SpendProof) bool {
	if sp == nil || sp.AggregatedKey == nil {
		return false
	}
	return VerifyForTree(HashLeaf(sp.AggregatedKey), sp.Proof, c.Root(), uint64(c.Tree.LeafCount()))
}
