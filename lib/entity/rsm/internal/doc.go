// Package internal contains the raft log entry format and the lookup queries of the
// entity state machine.
//
// A Command is a single raft log entry:
//
//	[1 byte type][8 byte key][4 byte name length][name][value]
//
// Name carries a cache id or a pool name, Key a chain key or a pool size. Value is type
// specific: the raw payload for Append, two encoded chains for Replace (EncodeReplace), an
// encoded store configuration for CreateStore, 16 raw bytes for the client commands and
// an optional resource for AddSharedPool (EncodePoolResource). Chains and store
// configurations use the codec's binary layout.
//
// Queries are passed to the state machine as Go values and never serialized.
package internal
