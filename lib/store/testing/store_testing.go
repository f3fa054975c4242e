package testing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/store"
)

// RunChainStoreTests runs a comprehensive test suite for an IChainStore implementation.
func RunChainStoreTests(t *testing.T, name string, factory store.StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Append&Get", func(t *testing.T) {
			testAppendGet(t, factory())
		})

		t.Run("GetUnknownKey", func(t *testing.T) {
			testGetUnknownKey(t, factory())
		})

		t.Run("Replace", func(t *testing.T) {
			testReplace(t, factory())
		})

		t.Run("ReplaceConflict", func(t *testing.T) {
			testReplaceConflict(t, factory())
		})

		t.Run("SequenceAfterCompaction", func(t *testing.T) {
			testSequenceAfterCompaction(t, factory())
		})

		t.Run("SetIdempotent", func(t *testing.T) {
			testSetIdempotent(t, factory())
		})

		t.Run("EntriesAndRestore", func(t *testing.T) {
			testEntriesAndRestore(t, factory())
		})

		t.Run("RangeAndLen", func(t *testing.T) {
			testRangeAndLen(t, factory())
		})

		t.Run("Clear", func(t *testing.T) {
			testClear(t, factory())
		})

		t.Run("PayloadIsolation", func(t *testing.T) {
			testPayloadIsolation(t, factory())
		})

		t.Run("ConcurrentAppendSameKey", func(t *testing.T) {
			testConcurrentAppendSameKey(t, factory())
		})

		t.Run("ConcurrentCompaction", func(t *testing.T) {
			testConcurrentCompaction(t, factory())
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func requireChain(t testing.TB, got chain.Chain, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected chain of length %d, got %v", len(want), got)
	}
	for i, w := range want {
		v, err := chain.PayloadLong(got[i].Payload)
		if err != nil {
			t.Fatalf("element %d: %v", i, err)
		}
		if v != w {
			t.Errorf("element %d: expected %d, got %d", i, w, v)
		}
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testAppendGet(t *testing.T, s store.IChainStore) {
	first := s.Append(1, chain.LongPayload(10))
	second := s.Append(1, chain.LongPayload(100))
	third := s.Append(1, chain.LongPayload(1000))

	if first.SequenceID >= second.SequenceID || second.SequenceID >= third.SequenceID {
		t.Errorf("sequence ids not increasing: %d, %d, %d", first.SequenceID, second.SequenceID, third.SequenceID)
	}

	requireChain(t, s.Get(1), 10, 100, 1000)

	// a different key has its own chain
	s.Append(2, chain.LongPayload(5))
	requireChain(t, s.Get(2), 5)
	requireChain(t, s.Get(1), 10, 100, 1000)
}

func testGetUnknownKey(t *testing.T, s store.IChainStore) {
	c := s.Get(42)
	if !c.IsEmpty() {
		t.Errorf("expected empty chain for unknown key, got %v", c)
	}
	if s.Len() != 0 {
		t.Errorf("Get must not create keys, Len() = %d", s.Len())
	}
}

func testReplace(t *testing.T, s store.IChainStore) {
	s.Append(7, chain.LongPayload(1))
	s.Append(7, chain.LongPayload(2))
	s.Append(7, chain.LongPayload(3))

	current := s.Get(7)
	compacted := chain.Chain{{SequenceID: current[2].SequenceID, Payload: chain.LongPayload(6)}}

	if err := s.Replace(7, current, compacted); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	requireChain(t, s.Get(7), 6)

	// replacing an unknown key with an empty expectation installs the chain
	if err := s.Replace(8, chain.Chain{}, chain.New(chain.LongPayload(9))); err != nil {
		t.Fatalf("Replace on unknown key failed: %v", err)
	}
	requireChain(t, s.Get(8), 9)
}

func testReplaceConflict(t *testing.T, s store.IChainStore) {
	s.Append(1, chain.LongPayload(1))
	stale := s.Get(1)
	s.Append(1, chain.LongPayload(2))

	err := s.Replace(1, stale, chain.New(chain.LongPayload(99)))
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !store.IsConflict(err) {
		t.Errorf("expected conflict code, got %v", err)
	}
	requireChain(t, s.Get(1), 1, 2)

	// conflict on an unknown key must not create it
	err = s.Replace(3, chain.New(chain.LongPayload(1)), chain.Chain{})
	if !store.IsConflict(err) {
		t.Errorf("expected conflict code, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 key, got %d", s.Len())
	}
}

func testSequenceAfterCompaction(t *testing.T, s store.IChainStore) {
	s.Append(1, chain.LongPayload(1))
	last := s.Append(1, chain.LongPayload(2))

	if err := s.Replace(1, s.Get(1), chain.Chain{}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !s.Get(1).IsEmpty() {
		t.Fatal("expected empty chain after compaction")
	}

	next := s.Append(1, chain.LongPayload(3))
	if next.SequenceID <= last.SequenceID {
		t.Errorf("sequence id went backwards: %d after %d", next.SequenceID, last.SequenceID)
	}
}

func testSetIdempotent(t *testing.T, s store.IChainStore) {
	c := chain.New(chain.LongPayload(10), chain.LongPayload(100))
	s.Set(5, c)
	s.Set(5, c)

	requireChain(t, s.Get(5), 10, 100)
	if s.Len() != 1 {
		t.Errorf("expected 1 key, got %d", s.Len())
	}

	// appends continue after the installed sequence ids
	e := s.Append(5, chain.LongPayload(1000))
	if e.SequenceID <= c[1].SequenceID {
		t.Errorf("expected sequence id > %d, got %d", c[1].SequenceID, e.SequenceID)
	}
}

func testEntriesAndRestore(t *testing.T, s store.IChainStore) {
	s.Append(1, chain.LongPayload(1))
	s.Append(1, chain.LongPayload(2))
	s.Append(1, chain.LongPayload(3))
	if err := s.Replace(1, s.Get(1), chain.New(chain.LongPayload(6))); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	s.Append(2, chain.LongPayload(1))
	if err := s.Replace(2, s.Get(2), chain.Chain{}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	entries := make(map[uint64]store.KeyEntry)
	s.Entries(func(e store.KeyEntry) bool {
		entries[e.Key] = e
		return true
	})
	if len(entries) != 2 {
		t.Fatalf("expected entries for 2 keys, got %d", len(entries))
	}
	if entries[1].HighSeq != 3 {
		t.Errorf("expected high-water mark 3 for compacted key, got %d", entries[1].HighSeq)
	}
	requireChain(t, entries[1].Chain, 6)
	if !entries[2].Chain.IsEmpty() || entries[2].HighSeq != 1 {
		t.Errorf("expected empty chain with mark 1, got %v with mark %d", entries[2].Chain, entries[2].HighSeq)
	}

	// restoring into a fresh key keeps the mark above the last element
	s.Restore(store.KeyEntry{Key: 3, Chain: chain.New(chain.LongPayload(6)), HighSeq: 3})
	requireChain(t, s.Get(3), 6)
	if e := s.Append(3, chain.LongPayload(7)); e.SequenceID != 4 {
		t.Errorf("expected sequence id 4 after restore, got %d", e.SequenceID)
	}

	// a restored mark never lowers the existing one
	s.Restore(store.KeyEntry{Key: 1, Chain: chain.New(chain.LongPayload(6)), HighSeq: 1})
	if e := s.Append(1, chain.LongPayload(7)); e.SequenceID != 4 {
		t.Errorf("expected sequence id 4, got %d", e.SequenceID)
	}
}

func testRangeAndLen(t *testing.T, s store.IChainStore) {
	const n = 100
	for i := uint64(0); i < n; i++ {
		s.Append(i, chain.LongPayload(int64(i)))
	}
	// an empty chain is not visible
	s.Set(n, chain.Chain{})

	if s.Len() != n {
		t.Errorf("expected %d keys, got %d", n, s.Len())
	}

	seen := make(map[uint64]bool)
	s.Range(func(key uint64, c chain.Chain) bool {
		if seen[key] {
			t.Errorf("key %d visited twice", key)
		}
		seen[key] = true
		requireChain(t, c, int64(key))
		return true
	})
	if len(seen) != n {
		t.Errorf("expected %d visited keys, got %d", n, len(seen))
	}

	visits := 0
	s.Range(func(_ uint64, _ chain.Chain) bool {
		visits++
		return visits < 3
	})
	if visits != 3 {
		t.Errorf("Range did not stop, visited %d keys", visits)
	}
}

func testClear(t *testing.T, s store.IChainStore) {
	for i := uint64(0); i < 10; i++ {
		s.Append(i, chain.LongPayload(1))
	}
	s.Clear()
	if s.Len() != 0 {
		t.Errorf("expected empty store after Clear, got %d keys", s.Len())
	}
	if !s.Get(3).IsEmpty() {
		t.Error("expected empty chain after Clear")
	}
}

func testPayloadIsolation(t *testing.T, s store.IChainStore) {
	payload := []byte("value")
	s.Append(1, payload)
	payload[0] = 'X'

	if got := string(s.Get(1)[0].Payload); got != "value" {
		t.Errorf("stored payload changed with caller buffer: %q", got)
	}

	c := chain.New([]byte("abc"))
	s.Set(2, c)
	c[0].Payload[0] = 'X'
	if got := string(s.Get(2)[0].Payload); got != "abc" {
		t.Errorf("stored chain changed with caller chain: %q", got)
	}
}

func testConcurrentAppendSameKey(t *testing.T, s store.IChainStore) {
	const (
		workers = 8
		perWork = 250
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				s.Append(1, []byte(fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	c := s.Get(1)
	if len(c) != workers*perWork {
		t.Fatalf("expected %d elements, got %d", workers*perWork, len(c))
	}
	for i, e := range c {
		if e.SequenceID != uint64(i+1) {
			t.Fatalf("element %d has sequence id %d, expected contiguous ids", i, e.SequenceID)
		}
	}
}

func testConcurrentCompaction(t *testing.T, s store.IChainStore) {
	const appends = 500

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			s.Append(1, chain.LongPayload(1))
		}
	}()

	// compactor folds the chain into a single element holding the sum
	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			current := s.Get(1)
			if len(current) < 2 {
				continue
			}
			var sum int64
			for _, e := range current {
				v, _ := chain.PayloadLong(e.Payload)
				sum += v
			}
			last, _ := current.Last()
			err := s.Replace(1, current, chain.Chain{{SequenceID: last.SequenceID, Payload: chain.LongPayload(sum)}})
			if err != nil && !store.IsConflict(err) {
				t.Errorf("unexpected error: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	// no append may be lost by a compaction
	var total int64
	for _, e := range s.Get(1) {
		v, _ := chain.PayloadLong(e.Payload)
		total += v
	}
	if total != appends {
		t.Errorf("expected folded sum %d, got %d", appends, total)
	}
}

func testInfo(t *testing.T, s store.IChainStore) {
	for i := 0; i < 3; i++ {
		s.Append(1, chain.LongPayload(int64(i)))
	}
	s.Append(2, chain.LongPayload(1))

	info := s.GetInfo()
	if info.Keys != 2 {
		t.Errorf("expected 2 keys, got %d", info.Keys)
	}
	if info.Elements != 4 {
		t.Errorf("expected 4 elements, got %d", info.Elements)
	}
	if info.PayloadBytes != 32 {
		t.Errorf("expected 32 payload bytes, got %d", info.PayloadBytes)
	}
	if info.ChainLengthMax != 3 {
		t.Errorf("expected max chain length 3, got %d", info.ChainLengthMax)
	}
	if info.HighestSequenceID != 3 {
		t.Errorf("expected highest sequence id 3, got %d", info.HighestSequenceID)
	}
}
