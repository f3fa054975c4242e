// Package cstore provides the concurrent in-memory implementation of store.IChainStore.
//
// Architecture:
//
// The store is divided into shards, each an xsync.MapOf keyed by the 64 bit cache key.
// Keys are mixed with a random per-store seed before a shard is picked, so sequential
// keys spread evenly. Every mutation (Append, Replace, Set) runs inside MapOf.Compute,
// which makes it atomic with respect to other operations on the same key while
// operations on different keys run in parallel.
//
// Chains are immutable once stored: an append builds a new slice and swaps it in, so a
// reader holding a chain returned by Get never observes a later change.
//
// Sequence ids:
//
// Each entry keeps the highest sequence id ever assigned to its key. The mark survives
// compaction to an empty chain and is raised by Set when a replicated chain carries
// higher ids, so ids assigned by Append never go backwards for a key.
//
// Usage:
//
//	s := cstore.NewChainStore(nil)
//	s.Append(42, chain.LongPayload(10))
//	current := s.Get(42)
//	err := s.Replace(42, current, compacted)
//	if store.IsConflict(err) {
//		// re-read and retry
//	}
package cstore
