package cstore

import (
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/cstore/internal"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"runtime"
)

var log = logger.GetLogger("store")

const histogramReservoirSize = 1028

// Options configures the store during initialization
type Options struct {
	NumShards int // Number of shards (0 = auto)
}

// DefaultOptions returns the default store options
func DefaultOptions() *Options {
	return &Options{
		NumShards: runtime.NumCPU(),
	}
}

// storeImpl implements store.IChainStore with sharded concurrent maps
type storeImpl struct {
	seed   uint64
	shards []*internal.Shard
}

// NewChainStore creates a new in-memory chain store with the specified options (optional)
func NewChainStore(opts *Options) store.IChainStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}

	seed := internal.GenerateSeed()
	shards := make([]*internal.Shard, numShards)
	for i := range shards {
		shards[i] = internal.NewShard(internal.HashKey)
	}

	return &storeImpl{
		seed:   seed,
		shards: shards,
	}
}

// Factory returns a store.StoreFactory creating chain stores with opts
func Factory(opts *Options) store.StoreFactory {
	return func() store.IChainStore {
		return NewChainStore(opts)
	}
}

func (s *storeImpl) shard(key uint64) *internal.Shard {
	return internal.GetShard(key, s.seed, s.shards)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Append(key uint64, payload []byte) chain.Element {
	// Copy payload to prevent memory corruption
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	var element chain.Element
	s.shard(key).Data.Compute(key, func(old internal.Entry, _ bool) (internal.Entry, bool) {
		element = chain.Element{SequenceID: old.HighSeq + 1, Payload: payloadCopy}
		return internal.Entry{
			Chain:   old.Chain.Append(element),
			HighSeq: element.SequenceID,
		}, false
	})
	return element
}

func (s *storeImpl) Get(key uint64) chain.Chain {
	entry, ok := s.shard(key).Data.Load(key)
	if !ok || entry.Chain == nil {
		return chain.Chain{}
	}
	return entry.Chain
}

func (s *storeImpl) Replace(key uint64, expect, update chain.Chain) error {
	installed := update.Clone()
	conflict := false

	s.shard(key).Data.Compute(key, func(old internal.Entry, loaded bool) (internal.Entry, bool) {
		if !chain.Equal(old.Chain, expect) {
			conflict = true
			// don't create an entry for an unknown key
			return old, !loaded
		}
		return old.WithChain(installed), false
	})

	if conflict {
		log.Debugf("replace conflict on key %d", key)
		return store.NewError(store.RetCConflict, fmt.Sprintf("chain of key %d changed", key))
	}
	return nil
}

func (s *storeImpl) Set(key uint64, c chain.Chain) {
	installed := c.Clone()
	s.shard(key).Data.Compute(key, func(old internal.Entry, _ bool) (internal.Entry, bool) {
		return old.WithChain(installed), false
	})
}

func (s *storeImpl) Range(fn func(key uint64, c chain.Chain) bool) {
	for _, shard := range s.shards {
		stopped := false
		shard.Data.Range(func(key uint64, entry internal.Entry) bool {
			if entry.Chain.IsEmpty() {
				return true
			}
			if !fn(key, entry.Chain) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

func (s *storeImpl) Entries(fn func(e store.KeyEntry) bool) {
	for _, shard := range s.shards {
		stopped := false
		shard.Data.Range(func(key uint64, entry internal.Entry) bool {
			if !fn(store.KeyEntry{Key: key, Chain: entry.Chain, HighSeq: entry.HighSeq}) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

func (s *storeImpl) Restore(e store.KeyEntry) {
	installed := e.Chain.Clone()
	s.shard(e.Key).Data.Compute(e.Key, func(old internal.Entry, _ bool) (internal.Entry, bool) {
		return old.WithChain(installed).WithHighSeq(e.HighSeq), false
	})
}

func (s *storeImpl) Len() int {
	n := 0
	s.Range(func(_ uint64, _ chain.Chain) bool {
		n++
		return true
	})
	return n
}

func (s *storeImpl) Clear() {
	for _, shard := range s.shards {
		shard.Data.Clear()
	}
}

// GetInfo walks all shards once. The chain length distribution is estimated from a
// uniform reservoir sample.
func (s *storeImpl) GetInfo() store.Info {
	lengths := gometrics.NewHistogram(gometrics.NewUniformSample(histogramReservoirSize))
	info := store.Info{}

	for _, shard := range s.shards {
		shard.Data.Range(func(_ uint64, entry internal.Entry) bool {
			if entry.HighSeq > info.HighestSequenceID {
				info.HighestSequenceID = entry.HighSeq
			}
			if entry.Chain.IsEmpty() {
				return true
			}
			info.Keys++
			info.Elements += len(entry.Chain)
			info.PayloadBytes += entry.Chain.SizeBytes()
			lengths.Update(int64(len(entry.Chain)))
			return true
		})
	}

	snapshot := lengths.Snapshot()
	info.ChainLengthMean = snapshot.Mean()
	info.ChainLengthMax = snapshot.Max()
	info.ChainLengthP99 = snapshot.Percentile(0.99)
	return info
}
