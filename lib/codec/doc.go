// Package codec turns sync messages into opaque byte payloads for the replication
// channel and back. It defines a common interface and the binary implementation used
// between active and passive nodes.
//
// The package focuses on:
//   - A versioned, fixed layout that decodes bit-exactly on every node
//   - Distinct decode error kinds so the replication driver can choose between
//     skip-and-resync and abort
//   - Reproducible output for a fixed input within one process
//
// Key Components:
//
//   - ISyncCodec: Core interface with Encode/Decode. Both take a concurrency stripe which
//     is opaque routing metadata; it never influences the payload and does not have to
//     match between the two calls.
//
//   - binaryCodecImpl: Every payload starts with [version u8][message type u8]. Integers
//     are big endian and fixed width, strings are a u32 length plus UTF-8 bytes,
//     collections are a u32 count plus entries. Optional strings carry a presence byte
//     (0 absent, 1 present) so an empty string stays distinct from an absent one. Map and
//     set entries are written in sorted order. A pool allocation is a tag byte
//     (1 Dedicated, 2 Shared, 3 Unknown) followed by its fields: size and resource name,
//     pool name, or nothing. Consistency is one byte (0 STRONG, 1 EVENTUAL). Client ids
//     are 16 raw bytes. A chain is a count followed by (u64 sequence id, u32 length,
//     payload) per element.
//
//   - Sync stream (stream.go): a framed transport for one sync pass. Each frame carries
//     [u64 stripe][u64 sequence][u32 length][payload]. A pass is the state message, all
//     data messages and an empty end frame. The same stream is used over TCP by the
//     replication channel and as the raft snapshot format.
//
// Error Handling:
//
//	ErrTruncated  - payload ends early or a length prefix runs past the buffer
//	ErrUnknownTag - unrecognized allocation tag, consistency, message type or version
//	ErrMalformed  - bad presence flag, duplicate key, invalid value or trailing bytes
//
// Decode never returns a partially populated message.
//
// Thread Safety:
//
//	The binary codec is stateless and safe for concurrent use.
//
// Usage:
//
//	c := codec.NewBinaryCodec()
//	data, err := c.Encode(stripe, msg)
//	// ... send data ...
//	decoded, err := c.Decode(stripe, data)
//	if errors.Is(err, codec.ErrUnknownTag) {
//		// newer peer, resync
//	}
package codec
