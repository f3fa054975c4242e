// Package entity implements the server-side state of one clustered cache manager and
// both halves of its synchronization protocol.
//
// An Entity owns:
//   - the ServerSideConfiguration (default resource and shared pool catalog)
//   - one ServerStoreConfiguration per cache
//   - one chain store per cache (store.IChainStore, cstore by default)
//   - the set of tracked client ids
//
// Administrative API:
//
// AddSharedPool, ResizeSharedPool and RemoveSharedPool edit the pool catalog. CreateStore
// and DestroyStore define and remove caches. All of them take the entity's write lock and
// return validation errors (config.ErrValidation) for duplicate names, invalid sizes,
// dangling Shared references or pools that are still in use.
//
// Active side:
//
// StateSyncMessage takes a single consistent copy of configuration, store configurations
// and clients. DataSyncMessages then lazily yields one message per non-empty chain:
//
//	state := e.StateSyncMessage()
//	for msg := range e.DataSyncMessagesOf(state) {
//		// encode and send
//	}
//
// Data messages may reflect a state at or after the state message; clients keep writing
// while a passive syncs. DataSyncMessagesOf skips caches created after the state message.
//
// Passive side:
//
// Apply (or ApplyStateSync/ApplyDataSync) rebuilds the state. A state message replaces all
// tables wholesale and empties every store. A data message installs a chain with
// IChainStore.Set, so duplicates and reordering between data messages are harmless. A data
// message for a cache that is not part of the last state returns ErrOrderingViolation; the
// replication driver must abandon the pass and start a full resync.
package entity
