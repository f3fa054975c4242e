// Package replication implements the active/passive sync channel of a cache entity over TCP.
//
// A sync pass is the codec sync stream: one frame with the state message, one frame per
// non-empty chain and an empty end marker frame. Every frame header carries the
// concurrency stripe of the channel and a sequence number starting at 1.
//
// Key Components:
//
//   - Sender: Runs on the active node. Listen/Serve accept passive nodes and ServeConn
//     streams one pass per connection. Data messages are restricted to the caches of the
//     pass's state message. Sessions lists the passes in flight.
//
//   - Receiver: Runs on a passive node. Attach dials the active and Sync applies the pass
//     to the local entity. Run repeats passes until its context is cancelled. A data
//     message for a cache the applied state does not define aborts the pass with
//     entity.ErrOrderingViolation; the next pass starts with a state message and repairs
//     the local state.
//
// Connections are configured with TCP_NODELAY, 512 KB socket buffers and keep-alive.
// Reads and writes refresh a per-operation deadline when a timeout is set.
//
// Metrics (VictoriaMetrics, default set):
//
//	dcache_replication_frames_sent_total{entity}
//	dcache_replication_bytes_sent_total{entity}
//	dcache_replication_frames_received_total{entity}
//	dcache_replication_bytes_received_total{entity}
//	dcache_replication_passes_total{entity,role,result}
package replication
