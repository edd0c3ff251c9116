package mast

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/internal/keyagg"
	"github.com/klingon-exchange/threshmast/internal/output"
)

func testKeys(t *testing.T, n int) []*btcec.PublicKey {
	t.Helper()
	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		var scalar [32]byte
		scalar[30] = byte((i + 1) >> 8)
		scalar[31] = byte(i + 1)
		priv, _ := btcec.PrivKeyFromBytes(scalar[:])
		keys[i] = priv.PubKey()
	}
	return keys
}

func reversed(keys []*btcec.PublicKey) []*btcec.PublicKey {
	out := make([]*btcec.PublicKey, len(keys))
	for i, k := range keys {
		out[len(keys)-1-i] = k
	}
	return out
}

func TestCommitTwoOfThree(t *testing.T) {
	keys := testKeys(t, 3)
	ctl := NewController(nil)

	c, err := ctl.Commit(keys, 2, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c.Tree.LeafCount() != 3 || c.Total != 3 || c.Dropped != 0 {
		t.Fatalf("leaves=%d total=%d dropped=%d, want 3/3/0", c.Tree.LeafCount(), c.Total, c.Dropped)
	}

	want := []combination.Combination{{0, 1}, {0, 2}, {1, 2}}
	for i, combo := range c.Combinations {
		if !combo.Equal(want[i]) {
			t.Errorf("leaf %d: combination %s, want %s", i, combo, want[i])
		}
	}

	// Each leaf is the MuSig2 aggregate of its subset in sorted order.
	for i, combo := range c.Combinations {
		agg, _, _, err := musig2.AggregateKeys(c.Participants.Select(combo), false)
		if err != nil {
			t.Fatalf("AggregateKeys: %v", err)
		}
		if !agg.FinalKey.IsEqual(c.AggregatedKeys[i]) {
			t.Errorf("leaf %d: aggregated key mismatch", i)
		}
		leaf, _ := c.Tree.Leaf(i)
		if leaf != HashLeaf(agg.FinalKey) {
			t.Errorf("leaf %d: hash mismatch", i)
		}
	}

	sorted := c.Participants.Keys()
	sp, err := ctl.SpendProof(c, []*btcec.PublicKey{sorted[2], sorted[0]})
	if err != nil {
		t.Fatalf("SpendProof: %v", err)
	}
	if sp.Proof.LeafIndex != 1 || len(sp.Proof.Steps) != 2 {
		t.Fatalf("proof index=%d steps=%d, want 1/2", sp.Proof.LeafIndex, len(sp.Proof.Steps))
	}
	if !VerifySpend(sp, c.Root()) || !c.VerifySpend(sp) {
		t.Error("spend proof should verify")
	}
}

func TestCommitOrderIndependent(t *testing.T) {
	keys := testKeys(t, 5)
	ctl := NewController(nil)

	a, err := ctl.Commit(keys, 3, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	b, err := ctl.Commit(reversed(keys), 3, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if a.Root() != b.Root() || !a.OutputKey.IsEqual(b.OutputKey) {
		t.Error("commitment should not depend on input key order")
	}
}

func TestCommitWorkersDeterministic(t *testing.T) {
	keys := testKeys(t, 7)

	one, err := NewController(&Options{Workers: 1}).Commit(keys, 3, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	many, err := NewController(&Options{Workers: 16}).Commit(keys, 3, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if one.Root() != many.Root() {
		t.Error("root should not depend on worker count")
	}
}

func TestCommitEveryProofVerifies(t *testing.T) {
	keys := testKeys(t, 6)
	ctl := NewController(nil)

	for m := 1; m <= 6; m++ {
		c, err := ctl.Commit(keys, m, Budget{})
		if err != nil {
			t.Fatalf("Commit(6, %d): %v", m, err)
		}
		total, _ := combination.Count(6, m)
		if uint64(c.Tree.LeafCount()) != total {
			t.Errorf("m=%d: %d leaves, want %d", m, c.Tree.LeafCount(), total)
		}
		for i := range c.Combinations {
			signers, err := c.Signers(i)
			if err != nil {
				t.Fatalf("Signers(%d): %v", i, err)
			}
			sp, err := ctl.SpendProof(c, signers)
			if err != nil {
				t.Fatalf("m=%d leaf %d: SpendProof: %v", m, i, err)
			}
			if sp.Proof.LeafIndex != uint64(i) {
				t.Errorf("m=%d: leaf %d resolved to %d", m, i, sp.Proof.LeafIndex)
			}
			if !c.VerifySpend(sp) {
				t.Errorf("m=%d leaf %d: proof rejected", m, i)
			}
		}
	}
}

func TestCommitAllOfN(t *testing.T) {
	keys := testKeys(t, 4)
	ctl := NewController(nil)

	c, err := ctl.Commit(keys, 4, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c.Tree.LeafCount() != 1 || c.Tree.Depth() != 0 {
		t.Fatalf("N-of-N should give a single leaf, got %d", c.Tree.LeafCount())
	}
	leaf, _ := c.Tree.Leaf(0)
	if c.Root() != leaf {
		t.Error("single leaf should be the root")
	}

	sp, err := ctl.SpendProof(c, keys)
	if err != nil {
		t.Fatalf("SpendProof: %v", err)
	}
	if len(sp.Proof.Steps) != 0 || !VerifySpend(sp, c.Root()) {
		t.Error("N-of-N proof should be empty and verify")
	}
}

func TestCommitPruned(t *testing.T) {
	keys := testKeys(t, 5)
	ctl := NewController(nil)

	c, err := ctl.Commit(keys, 2, Budget{MaxLeaves: 4})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c.Tree.LeafCount() != 4 || c.Total != 10 || c.Dropped != 6 {
		t.Fatalf("leaves=%d total=%d dropped=%d, want 4/10/6", c.Tree.LeafCount(), c.Total, c.Dropped)
	}

	sorted := c.Participants.Keys()
	if _, err := ctl.SpendProof(c, []*btcec.PublicKey{sorted[2], sorted[3]}); !errors.Is(err, ErrSubsetNotCommitted) {
		t.Errorf("pruned subset error = %v, want ErrSubsetNotCommitted", err)
	}

	sp, err := ctl.SpendProof(c, []*btcec.PublicKey{sorted[0], sorted[4]})
	if err != nil {
		t.Fatalf("kept subset: %v", err)
	}
	if sp.Proof.LeafIndex != 3 || !c.VerifySpend(sp) {
		t.Errorf("kept subset at leaf %d should verify", sp.Proof.LeafIndex)
	}
}

func TestSpendProofRejects(t *testing.T) {
	keys := testKeys(t, 4)
	ctl := NewController(nil)
	c, err := ctl.Commit(keys, 2, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	outsider := testKeys(t, 5)[4]

	tests := []struct {
		name    string
		signers []*btcec.PublicKey
		also    error
	}{
		{"too few", keys[:1], nil},
		{"too many", keys[:3], nil},
		{"unknown key", []*btcec.PublicKey{keys[0], outsider}, keyagg.ErrUnknownParticipant},
		{"duplicate key", []*btcec.PublicKey{keys[0], keys[0]}, keyagg.ErrDuplicateKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctl.SpendProof(c, tt.signers)
			if !errors.Is(err, ErrSubsetNotCommitted) {
				t.Fatalf("error = %v, want ErrSubsetNotCommitted", err)
			}
			if tt.also != nil && !errors.Is(err, tt.also) {
				t.Errorf("error = %v, want it to wrap %v", err, tt.also)
			}
		})
	}
}

func TestCommitErrors(t *testing.T) {
	ctl := NewController(nil)
	keys := testKeys(t, 68)

	tests := []struct {
		name      string
		keys      []*btcec.PublicKey
		threshold int
		budget    Budget
		want      error
	}{
		{"no keys", nil, 1, Budget{}, ErrInvalidThreshold},
		{"zero threshold", keys[:3], 0, Budget{}, ErrInvalidThreshold},
		{"threshold above n", keys[:3], 4, Budget{}, ErrInvalidThreshold},
		{"duplicate key", []*btcec.PublicKey{keys[0], keys[0]}, 1, Budget{}, ErrAggregationFailure},
		{"above ceiling", keys[:30], 15, Budget{}, ErrCombinatorialOverflow},
		{"above custom ceiling", keys[:6], 3, Budget{Ceiling: 10}, ErrCombinatorialOverflow},
		{"uint64 overflow", keys, 34, Budget{}, ErrCombinatorialOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ctl.Commit(tt.keys, tt.threshold, tt.budget); !errors.Is(err, tt.want) {
				t.Errorf("Commit error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommitInternalKey(t *testing.T) {
	keys := testKeys(t, 3)

	agg, err := NewController(nil).Commit(keys, 2, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	full, _, _, err := musig2.AggregateKeys(agg.Participants.Keys(), false)
	if err != nil {
		t.Fatalf("AggregateKeys: %v", err)
	}
	if !agg.InternalKey.IsEqual(full.FinalKey) {
		t.Error("default internal key should aggregate all participants")
	}
	root := agg.Root()
	if !agg.OutputKey.IsEqual(txscript.ComputeTaprootOutputKey(agg.InternalKey, root[:])) {
		t.Error("output key should be the taproot tweak of the internal key")
	}

	nums, err := NewController(&Options{InternalKey: InternalKeyNUMS}).Commit(keys, 2, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !nums.InternalKey.IsEqual(output.NUMSKey()) {
		t.Error("nums mode should use the NUMS point")
	}
	if nums.Root() != agg.Root() || nums.OutputKey.IsEqual(agg.OutputKey) {
		t.Error("internal key should change the output key only")
	}

	if _, err := NewController(&Options{InternalKey: "bogus"}).Commit(keys, 2, Budget{}); err == nil {
		t.Error("expected error for unknown internal key mode")
	}
}

func TestParseInternalKeyMode(t *testing.T) {
	tests := []struct {
		in      string
		want    InternalKeyMode
		wantErr bool
	}{
		{"", InternalKeyAggregate, false},
		{"aggregate", InternalKeyAggregate, false},
		{"nums", InternalKeyNUMS, false},
		{"none", "", true},
	}
	for _, tt := range tests {
		got, err := ParseInternalKeyMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseInternalKeyMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCommitAddress(t *testing.T) {
	c, err := NewController(nil).Commit(testKeys(t, 3), 2, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	addr, err := c.Address(&chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if !strings.HasPrefix(addr, "bc1p") {
		t.Errorf("address %s should be a mainnet P2TR address", addr)
	}
	if c.OutputKeyParity() != (c.OutputKey.SerializeCompressed()[0] == 0x03) {
		t.Error("parity should follow the output key's y coordinate")
	}
}

func TestCommitGrouped(t *testing.T) {
	keys := testKeys(t, 6)
	ctl := NewController(nil)

	c, err := ctl.CommitGrouped(keys, 4, 2, Budget{})
	if err != nil {
		t.Fatalf("CommitGrouped: %v", err)
	}
	// Three blocks of two, any two blocks form a quorum.
	if c.Tree.LeafCount() != 3 || c.Total != 3 {
		t.Fatalf("leaves=%d total=%d, want 3/3", c.Tree.LeafCount(), c.Total)
	}
	want := []combination.Combination{{0, 1, 2, 3}, {0, 1, 4, 5}, {2, 3, 4, 5}}
	for i, combo := range c.Combinations {
		if !combo.Equal(want[i]) {
			t.Errorf("leaf %d: %s, want %s", i, combo, want[i])
		}
	}

	sorted := c.Participants.Keys()
	sp, err := ctl.SpendProof(c, []*btcec.PublicKey{sorted[5], sorted[4], sorted[1], sorted[0]})
	if err != nil {
		t.Fatalf("SpendProof: %v", err)
	}
	if sp.Proof.LeafIndex != 1 || !c.VerifySpend(sp) {
		t.Errorf("grouped proof at leaf %d should verify", sp.Proof.LeafIndex)
	}

	_, err = ctl.SpendProof(c, []*btcec.PublicKey{sorted[0], sorted[1], sorted[2], sorted[4]})
	if !errors.Is(err, ErrSubsetNotCommitted) {
		t.Errorf("split block error = %v, want ErrSubsetNotCommitted", err)
	}

	plain, err := ctl.CommitGrouped(keys, 4, 1, Budget{})
	if err != nil {
		t.Fatalf("CommitGrouped(g=1): %v", err)
	}
	if plain.GroupSize != 0 || plain.Tree.LeafCount() != 15 {
		t.Error("group size 1 should fall back to the plain policy")
	}
}

func TestCommitGroupedPruned(t *testing.T) {
	keys := testKeys(t, 8)
	ctl := NewController(nil)

	c, err := ctl.CommitGrouped(keys, 4, 2, Budget{MaxLeaves: 2})
	if err != nil {
		t.Fatalf("CommitGrouped: %v", err)
	}
	if c.Total != 6 || c.Dropped != 4 || c.Tree.LeafCount() != 2 {
		t.Fatalf("total=%d dropped=%d leaves=%d, want 6/4/2", c.Total, c.Dropped, c.Tree.LeafCount())
	}

	sorted := c.Participants.Keys()
	if _, err := ctl.SpendProof(c, sorted[4:]); !errors.Is(err, ErrSubsetNotCommitted) {
		t.Errorf("pruned grouped subset error = %v, want ErrSubsetNotCommitted", err)
	}
}

func TestCommitGroupedShortBlock(t *testing.T) {
	keys := testKeys(t, 3)
	ctl := NewController(nil)

	// Two blocks: {0,1} and the short {2}, which alone cannot meet 2-of-3.
	c, err := ctl.CommitGrouped(keys, 2, 2, Budget{})
	if err != nil {
		t.Fatalf("CommitGrouped: %v", err)
	}
	if c.Total != 1 || c.Tree.LeafCount() != 1 || c.Dropped != 0 {
		t.Fatalf("total=%d leaves=%d dropped=%d, want 1/1/0", c.Total, c.Tree.LeafCount(), c.Dropped)
	}
	for i, combo := range c.Combinations {
		if len(combo) < c.Threshold {
			t.Errorf("leaf %d: %s has fewer than %d signers", i, combo, c.Threshold)
		}
	}

	sorted := c.Participants.Keys()
	if _, err := ctl.SpendProof(c, sorted[2:]); !errors.Is(err, ErrSubsetNotCommitted) {
		t.Errorf("single signer error = %v, want ErrSubsetNotCommitted", err)
	}

	sp, err := ctl.SpendProof(c, []*btcec.PublicKey{sorted[1], sorted[0]})
	if err != nil {
		t.Fatalf("SpendProof: %v", err)
	}
	if sp.Proof.LeafIndex != 0 || !c.VerifySpend(sp) {
		t.Error("full block proof should verify at leaf 0")
	}
}

func TestCommitGroupedThresholdHolds(t *testing.T) {
	keys := testKeys(t, 7)
	ctl := NewController(nil)

	for m := 1; m <= len(keys); m++ {
		for g := 2; g <= 4; g++ {
			c, err := ctl.CommitGrouped(keys, m, g, Budget{})
			if err != nil {
				t.Fatalf("CommitGrouped(m=%d, g=%d): %v", m, g, err)
			}
			for i, combo := range c.Combinations {
				if len(combo) < m {
					t.Errorf("m=%d g=%d leaf %d: %s below threshold", m, g, i, combo)
				}
				sp, err := ctl.SpendProof(c, c.Participants.Select(combo))
				if err != nil {
					t.Fatalf("m=%d g=%d SpendProof(leaf %d): %v", m, g, i, err)
				}
				if sp.Proof.LeafIndex != uint64(i) {
					t.Errorf("m=%d g=%d: subset %s ranked %d, want %d", m, g, combo, sp.Proof.LeafIndex, i)
				}
			}
		}
	}
}

func TestCommitBudgetAtLeastTotal(t *testing.T) {
	keys := testKeys(t, 6)
	ctl := NewController(nil)

	base, err := ctl.Commit(keys, 3, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	total, _ := combination.Count(6, 3)

	for _, maxLeaves := range []uint64{total, total + 1, 10 * total} {
		c, err := ctl.Commit(keys, 3, Budget{MaxLeaves: maxLeaves})
		if err != nil {
			t.Fatalf("Commit(max %d): %v", maxLeaves, err)
		}
		if c.Dropped != 0 {
			t.Errorf("max %d: dropped = %d, want 0", maxLeaves, c.Dropped)
		}
		if c.Root() != base.Root() {
			t.Errorf("max %d: root differs from the unpruned tree", maxLeaves)
		}
		if !bytes.Equal(c.Tree.Bytes(), base.Tree.Bytes()) {
			t.Errorf("max %d: tree differs from the unpruned tree", maxLeaves)
		}
	}
}

func TestPrune(t *testing.T) {
	all, err := combination.Enumerate(5, 2, 0)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	tests := []struct {
		name    string
		budget  Budget
		kept    int
		dropped uint64
	}{
		{"unlimited", Budget{}, 10, 0},
		{"exact", Budget{MaxLeaves: 10}, 10, 0},
		{"above total", Budget{MaxLeaves: 50}, 10, 0},
		{"first four", Budget{MaxLeaves: 4}, 4, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, dropped := Prune(all, tt.budget)
			if len(kept) != tt.kept || dropped != tt.dropped {
				t.Fatalf("Prune = (%d, %d), want (%d, %d)", len(kept), dropped, tt.kept, tt.dropped)
			}
			for i := range kept {
				if !kept[i].Equal(all[i]) {
					t.Errorf("kept %d = %s, want %s", i, kept[i], all[i])
				}
			}
		})
	}
}

func TestSpendProofConcurrent(t *testing.T) {
	ctl := NewController(nil)
	c, err := ctl.Commit(testKeys(t, 7), 3, Budget{})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var wg sync.WaitGroup
	failed := make(chan int, len(c.Combinations))
	for i := range c.Combinations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signers, _ := c.Signers(i)
			sp, err := ctl.SpendProof(c, signers)
			if err != nil || !c.VerifySpend(sp) {
				failed <- i
			}
		}()
	}
	wg.Wait()
	close(failed)
	for i := range failed {
		t.Errorf("leaf %d failed under concurrent proving", i)
	}
}

func TestSignersOutOfRange(t *testing.T) {
	c, _ := NewController(nil).Commit(testKeys(t, 3), 2, Budget{})
	if _, err := c.Signers(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Signers(3) error = %v, want ErrIndexOutOfRange", err)
	}
}

func TestVerifySpendNil(t *testing.T) {
	c, _ := NewController(nil).Commit(testKeys(t, 3), 2, Budget{})
	if VerifySpend(nil, c.Root()) || c.VerifySpend(nil) || c.VerifySpend(&SpendProof{}) {
		t.Error("incomplete spend proofs should not verify")
	}
}
