// Package cmd implements the command-line interface of the dCache server.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a server node hosting one cache entity, replicated either over the
//     active/passive sync channel (stream) or through a raft shard
//   - inspect: Decodes sync messages and sync streams and prints them as YAML
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Configuration is read from flags, an optional YAML file, .env/.env.local files and
// DCACHE_<FLAG> environment variables.
//
// See dcache -help for a list of all commands.
package cmd
