// Package common provides the server configuration and logging utilities shared by the
// cache server commands and the replication channel.
//
// Key Components:
//
//   - ServerConfig: Configuration of a server node: the entity name and its initial
//     resource pool catalog (default server resource and shared pool specs), the
//     replication mode (stream or raft), the role and endpoints on the stream channel,
//     the concurrency stripe used in frame headers, the RAFT parameters and the metrics
//     endpoint. ServerSideConfiguration builds the entity's config.ServerSideConfiguration
//     and ToDragonboatConfig/ToNodeHostConfig convert the RAFT part for Dragonboat.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
//     InitLoggers installs the factory and sets the level of the Dragonboat loggers and
//     of the store, entity, rsm, replication and server loggers.
package common
