package keyagg

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/pkg/helpers"
)

// testKeys returns n deterministic public keys derived from scalars 1..n.
func testKeys(t *testing.T, n int) []*btcec.PublicKey {
	t.Helper()
	keys := make([]*btcec.PublicKey, n)
	for i := range keys {
		var scalar [32]byte
		scalar[30] = byte((i + 1) >> 8)
		scalar[31] = byte(i + 1)
		_, pub := btcec.PrivKeyFromBytes(scalar[:])
		keys[i] = pub
	}
	return keys
}

// firstKeyAggregator returns the first key of every set and counts calls.
type firstKeyAggregator struct {
	calls atomic.Int64
	fail  bool
}

func (f *firstKeyAggregator) Aggregate(keys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, ErrAggregationFailure
	}
	return keys[0], nil
}

func TestMuSig2AggregatorDeterministic(t *testing.T) {
	keys := testKeys(t, 3)
	agg := MuSig2Aggregator{}

	a, err := agg.Aggregate(keys)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	b, err := agg.Aggregate(keys)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if !a.IsEqual(b) {
		t.Error("aggregating the same ordered keys twice gave different results")
	}
}

func TestMuSig2AggregatorOrderSensitive(t *testing.T) {
	keys := testKeys(t, 2)
	agg := MuSig2Aggregator{}

	forward, err := agg.Aggregate([]*btcec.PublicKey{keys[0], keys[1]})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	reversed, err := agg.Aggregate([]*btcec.PublicKey{keys[1], keys[0]})
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if forward.IsEqual(reversed) {
		t.Error("aggregation should depend on key order")
	}
}

func TestMuSig2AggregatorRejects(t *testing.T) {
	keys := testKeys(t, 2)

	tests := []struct {
		name string
		keys []*btcec.PublicKey
		dup  bool
	}{
		{"empty", nil, false},
		{"nil key", []*btcec.PublicKey{keys[0], nil}, false},
		{"duplicate", []*btcec.PublicKey{keys[0], keys[1], keys[0]}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MuSig2Aggregator{}.Aggregate(tt.keys)
			if !errors.Is(err, ErrAggregationFailure) {
				t.Fatalf("error = %v, want ErrAggregationFailure", err)
			}
			if tt.dup && !errors.Is(err, ErrDuplicateKey) {
				t.Errorf("error = %v, want ErrDuplicateKey", err)
			}
		})
	}
}

func TestParticipantSetSorted(t *testing.T) {
	keys := testKeys(t, 5)
	reversed := []*btcec.PublicKey{keys[4], keys[3], keys[2], keys[1], keys[0]}

	a, err := NewParticipantSet(keys)
	if err != nil {
		t.Fatalf("NewParticipantSet() error = %v", err)
	}
	b, err := NewParticipantSet(reversed)
	if err != nil {
		t.Fatalf("NewParticipantSet() error = %v", err)
	}

	for i := 0; i < a.Len(); i++ {
		if !a.Key(i).IsEqual(b.Key(i)) {
			t.Fatalf("participant %d differs between input orders", i)
		}
		if i > 0 && helpers.CompareBytes(a.Key(i-1).SerializeCompressed(), a.Key(i).SerializeCompressed()) >= 0 {
			t.Fatalf("participants not strictly ascending at %d", i)
		}
		idx, ok := a.IndexOf(a.Key(i))
		if !ok || idx != i {
			t.Errorf("IndexOf(Key(%d)) = %d, %v", i, idx, ok)
		}
	}
}

func TestParticipantSetRejectsDuplicates(t *testing.T) {
	keys := testKeys(t, 2)
	_, err := NewParticipantSet([]*btcec.PublicKey{keys[0], keys[1], keys[0]})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("error = %v, want ErrDuplicateKey", err)
	}

	_, err = NewParticipantSet(nil)
	if !errors.Is(err, combination.ErrInvalidThreshold) {
		t.Errorf("error = %v, want ErrInvalidThreshold", err)
	}
}

func TestParticipantSetResolve(t *testing.T) {
	keys := testKeys(t, 4)
	set, err := NewParticipantSet(keys)
	if err != nil {
		t.Fatalf("NewParticipantSet() error = %v", err)
	}

	c, err := set.Resolve([]*btcec.PublicKey{set.Key(3), set.Key(1)})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !c.Equal(combination.Combination{1, 3}) {
		t.Errorf("Resolve = %s, want (1,3)", c)
	}

	outsider := testKeys(t, 5)[4]
	if _, err := set.Resolve([]*btcec.PublicKey{set.Key(0), outsider}); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("error = %v, want ErrUnknownParticipant", err)
	}
	if _, err := set.Resolve([]*btcec.PublicKey{set.Key(0), set.Key(0)}); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("error = %v, want ErrDuplicateKey", err)
	}
}

func TestCachedAggregator(t *testing.T) {
	keys := testKeys(t, 3)
	stub := &firstKeyAggregator{}
	cached, err := NewCachedAggregator(stub, 8)
	if err != nil {
		t.Fatalf("NewCachedAggregator() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := cached.Aggregate(keys[:2]); err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
	}
	if _, err := cached.Aggregate(keys[1:]); err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if got := stub.calls.Load(); got != 2 {
		t.Errorf("inner aggregator called %d times, want 2", got)
	}
	hits, misses := cached.Stats()
	if hits != 2 || misses != 2 {
		t.Errorf("Stats() = %d hits, %d misses, want 2, 2", hits, misses)
	}
	if cached.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cached.Len())
	}
}

func TestCachedAggregatorConcurrent(t *testing.T) {
	keys := testKeys(t, 4)
	cached, err := NewCachedAggregator(MuSig2Aggregator{}, 0)
	if err != nil {
		t.Fatalf("NewCachedAggregator() error = %v", err)
	}
	want, err := MuSig2Aggregator{}.Aggregate(keys)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cached.Aggregate(keys)
			if err != nil {
				t.Errorf("Aggregate() error = %v", err)
				return
			}
			if !got.IsEqual(want) {
				t.Error("cached aggregate differs from direct aggregate")
			}
		}()
	}
	wg.Wait()
}

func TestAggregateAllPreservesOrder(t *testing.T) {
	keys := testKeys(t, 6)
	set, err := NewParticipantSet(keys)
	if err != nil {
		t.Fatalf("NewParticipantSet() error = %v", err)
	}
	combos, err := combination.Enumerate(6, 3, 0)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	out, err := AggregateAll(&firstKeyAggregator{}, set, combos, 3)
	if err != nil {
		t.Fatalf("AggregateAll() error = %v", err)
	}
	for i, c := range combos {
		if !out[i].IsEqual(set.Key(c[0])) {
			t.Fatalf("result %d does not belong to combination %s", i, c)
		}
	}
}

func TestAggregateAllMatchesDirect(t *testing.T) {
	set, err := NewParticipantSet(testKeys(t, 4))
	if err != nil {
		t.Fatalf("NewParticipantSet() error = %v", err)
	}
	combos, _ := combination.Enumerate(4, 2, 0)

	out, err := AggregateAll(MuSig2Aggregator{}, set, combos, 0)
	if err != nil {
		t.Fatalf("AggregateAll() error = %v", err)
	}
	for i, c := range combos {
		direct, err := MuSig2Aggregator{}.Aggregate(set.Select(c))
		if err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
		if !direct.IsEqual(out[i]) {
			t.Errorf("combination %s: parallel result differs from direct aggregation", c)
		}
	}
}

func TestAggregateAllPropagatesError(t *testing.T) {
	set, _ := NewParticipantSet(testKeys(t, 3))
	combos, _ := combination.Enumerate(3, 2, 0)

	_, err := AggregateAll(&firstKeyAggregator{fail: true}, set, combos, 2)
	if !errors.Is(err, ErrAggregationFailure) {
		t.Errorf("error = %v, want ErrAggregationFailure", err)
	}
}
