package fluidsync

import "time"

// Wire-visible protocol constants.
const (
	// InitialReconnectDelay is the first reconnect attempt delay; it doubles
	// on each failed attempt up to MaxReconnectDelay.
	InitialReconnectDelay = 1000 * time.Millisecond

	// MaxReconnectDelay caps the reconnect backoff ladder.
	MaxReconnectDelay = 8000 * time.Millisecond

	// MissingFetchDelay is the base delay before re-fetching deltas that the
	// storage endpoint has not yet made durable.
	MissingFetchDelay = 100 * time.Millisecond

	// MaxFetchDelay caps the delta fetch backoff.
	MaxFetchDelay = 10000 * time.Millisecond

	// MaxBatchDeltas bounds a single delta storage fetch.
	MaxBatchDeltas = 2000

	// DefaultChunkSize is the chunk size for content transfers.
	DefaultChunkSize = 16 * 1024

	// DefaultContentBufferSize bounds the content side-channel cache.
	DefaultContentBufferSize = 10

	// DefaultAckDelay is how long a write client waits before acknowledging
	// processed ops with a no-op.
	DefaultAckDelay = 100 * time.Millisecond

	// DefaultRateLimit is the number of concurrently outstanding
	// epoch-scoped requests.
	DefaultRateLimit = 24

	// MaxURLLength is the longest URL the epoch query parameter is appended
	// to; beyond it the epoch moves to the EpochHeader header.
	MaxURLLength = 2048
)

// EpochHeader is the HTTP header carrying the server epoch on both requests
// and responses.
const EpochHeader = "x-fluid-epoch"
