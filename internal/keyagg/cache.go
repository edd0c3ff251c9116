package keyagg

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/threshmast/internal/combination"
)

// DefaultCacheSize is the number of aggregate keys kept by NewCachedAggregator
// when no size is given.
const DefaultCacheSize = 4096

// CachedAggregator memoises another Aggregator. Entries are keyed by the
// ordered key set, so repeated commitments over overlapping participant sets
// reuse earlier aggregation work.
type CachedAggregator struct {
	inner Aggregator

	mu    sync.RWMutex
	cache *lru.Cache[chainhash.Hash, *btcec.PublicKey]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedAggregator wraps inner with an LRU cache of size entries.
func NewCachedAggregator(inner Aggregator, size int) (*CachedAggregator, error) {
	if inner == nil {
		inner = MuSig2Aggregator{}
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[chainhash.Hash, *btcec.PublicKey](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate key cache: %w", err)
	}
	return &CachedAggregator{inner: inner, cache: cache}, nil
}

// Aggregate implements Aggregator.
func (c *CachedAggregator) Aggregate(keys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	id, err := keySetID(keys)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	agg, ok := c.cache.Get(id)
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return agg, nil
	}

	c.misses.Add(1)
	agg, err = c.inner.Aggregate(keys)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(id, agg)
	c.mu.Unlock()

	return agg, nil
}

// Stats returns cache hit and miss counters.
func (c *CachedAggregator) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached entries.
func (c *CachedAggregator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

func keySetID(keys []*btcec.PublicKey) (chainhash.Hash, error) {
	buf := make([]byte, 0, len(keys)*btcec.PubKeyBytesLenCompressed)
	for i, k := range keys {
		if k == nil {
			return chainhash.Hash{}, fmt.Errorf("%w: nil key at position %d", ErrAggregationFailure, i)
		}
		buf = append(buf, k.SerializeCompressed()...)
	}
	return chainhash.HashH(buf), nil
}

// AggregateAll aggregates every combination over a bounded worker pool and
// returns the keys in combination order. workers <= 0 uses GOMAXPROCS.
func AggregateAll(agg Aggregator, set *ParticipantSet, combos []combination.Combination, workers int) ([]*btcec.PublicKey, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	out := make([]*btcec.PublicKey, len(combos))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, c := range combos {
		g.Go(func() error {
			key, err := agg.Aggregate(set.Select(c))
			if err != nil {
				return fmt.Errorf("combination %s: %w", c, err)
			}
			out[i] = key
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
