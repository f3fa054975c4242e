package testing

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/store"
)

// RunChainStoreBenchmarks runs all benchmarks for a chain store implementation
func RunChainStoreBenchmarks(b *testing.B, name string, factory store.StoreFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Append", func(b *testing.B) {
			benchmarkAppend(b, factory())
		})

		b.Run("AppendSameKey", func(b *testing.B) {
			benchmarkAppendSameKey(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Compaction", func(b *testing.B) {
			benchmarkCompaction(b, factory())
		})

		b.Run("Range", func(b *testing.B) {
			benchmarkRange(b, factory())
		})
	})
}

func benchmarkAppend(b *testing.B, s store.IChainStore) {
	payload := chain.LongPayload(1)
	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Append(counter.Add(1)%10_000, payload)
		}
	})
}

func benchmarkAppendSameKey(b *testing.B, s store.IChainStore) {
	payload := chain.LongPayload(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i%64 == 0 {
			s.Set(1, chain.Chain{})
		}
		s.Append(1, payload)
	}
}

func benchmarkGet(b *testing.B, s store.IChainStore) {
	const keys = 10_000
	for i := uint64(0); i < keys; i++ {
		s.Append(i, chain.LongPayload(int64(i)))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			s.Get(uint64(r.Intn(keys)))
		}
	})
}

func benchmarkCompaction(b *testing.B, s store.IChainStore) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Append(1, chain.LongPayload(1))
		s.Append(1, chain.LongPayload(1))
		current := s.Get(1)
		last, _ := current.Last()
		if err := s.Replace(1, current, chain.Chain{{SequenceID: last.SequenceID, Payload: chain.LongPayload(2)}}); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkRange(b *testing.B, s store.IChainStore) {
	for i := uint64(0); i < 10_000; i++ {
		s.Append(i, chain.LongPayload(int64(i)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Range(func(_ uint64, _ chain.Chain) bool {
			return true
		})
	}
}
