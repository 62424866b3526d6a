// Package transport owns the poolrep wire between a client node and a
// replica daemon.
//
// Ownership boundary:
// - transport policy: timeouts, backoff, TLS/mTLS
// - control envelopes: pool.create, pool.open, pool.close, pool.remove, lane.attach
// - lane data frames: persist, persist.ack, read, read.data, error
// - error codes that carry registry and session sentinels across the wire
package transport
