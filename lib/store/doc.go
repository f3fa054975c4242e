// Package store defines the contract of the per-cache chain store that backs every
// clustered cache: an append-only, per-key history of payloads with a compare-and-swap
// used by compaction.
//
// The package focuses on:
//   - A unified interface (IChainStore) used by the entity, the replication code and the
//     raft state machine
//   - A StoreFactory so the entity can create one store per cache without knowing the
//     implementation
//   - Unified error reporting through typed return codes
//
// Key Components:
//
//   - IChainStore Interface: Append assigns the next per-key sequence id, Get returns the
//     whole chain (empty for unknown keys), Replace swaps a chain only if the caller's
//     expected chain still matches, and Set installs a replicated chain idempotently.
//
//   - Error System: Error carries a RetCode. RetCConflict signals a retryable
//     compare-and-swap mismatch and is never fatal. The other codes are shared with the
//     entity and the raft state machine so results can travel as a single uint64.
//
// Implementations:
//
//	- Concurrent Store (cstore): sharded in-memory implementation built on xsync.MapOf.
//	  Available in the "github.com/ValentinKolb/dCache/lib/store/cstore" package.
//
// The store performs no I/O and never blocks on anything but per-key serialization.
// Capacity enforcement is left to the caller, based on the store's pool allocation.
package store
