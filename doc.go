// Package fluidsync contains the shared protocol types for the fluidsync
// client: sequenced delta messages, connection details, the document service
// interfaces, and the error model used across the delta manager and the
// epoch tracker.
//
// The two cores live in their own packages:
//
//   - deltamanager maintains a totally ordered stream of sequenced operations
//     between the client and the document service, over a realtime socket and
//     a bounded REST history endpoint.
//   - epoch binds every request and cached artifact to a monotonic
//     server-assigned epoch and invalidates local caches on divergence.
//
// Supporting packages: queue (async FIFO worker queues), boltcache (a
// bbolt-backed persistent cache), wsdriver (a websocket + REST document
// service), and fluidsynctest (mocks for hermetic testing).
package fluidsync
