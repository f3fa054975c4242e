// Package rpc contains the network side of a dCache server node.
//
// The package is organized into several subpackages:
//
//   - common: Server configuration (replication mode, role, endpoints, RAFT parameters,
//     initial resource pools) and the logger factory shared with Dragonboat.
//
//   - replication: The active/passive sync channel. The active node streams full sync
//     passes of its entity over TCP and passive nodes apply them.
package rpc
