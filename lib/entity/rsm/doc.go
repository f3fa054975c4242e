// Package rsm replicates an entity.Entity with the Dragonboat RAFT library as an
// alternative to the active/passive sync channel.
//
// Architecture:
//
//   - State Machine: EntityStateMachine is a Dragonboat IConcurrentStateMachine. Update
//     applies Commands (appends, replaces, store and pool administration, client
//     tracking) to the entity in log order, so every replica assigns the same sequence
//     ids. Lookup answers Queries (chains, state snapshot, store statistics).
//
//   - Client: Client serializes operations into Commands, proposes them via SyncPropose
//     and reads through SyncRead (linearizable) or StaleRead (statistics).
//
//   - Communication Protocol: Defined in the internal package.
//
// Results:
//
// Each log entry's result Value is a store.RetCode. A replace whose expected chain is stale
// yields RetCConflict, which the caller retries after reading the chain again; it is
// never a state machine error.
//
// Snapshots:
//
// PrepareSnapshot captures the state sync message together with the chain and the
// high-water mark of every key at the snapshot index. SaveSnapshot writes the codec sync
// stream of that capture (state message, one data message per chain, end marker),
// followed by a section of high-water marks for keys compacted below their last sequence
// id. RecoverFromSnapshot applies the stream through entity.Apply and then restores the
// marks, so log entries replayed after the snapshot assign the same sequence ids on
// every replica.
//
// Usage:
//
//	factory := rsm.CreateStateMachineFactory("cache-manager", cfg, nil)
//	err := nh.StartConcurrentReplica(members, false, factory, raftConfig)
//	c := rsm.NewClient(nh, shardID, 5*time.Second)
//	el, err := c.Append("orders", 42, payload)
package rsm
