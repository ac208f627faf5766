package fluidsync

import (
	"context"
	"encoding/json"
	"time"
)

// ClientDetails identifies the connecting client to the document service.
type ClientDetails struct {
	UserID      string `json:"userId"`
	Environment string `json:"environment,omitempty"`
}

// ConnectionEvents are the typed callbacks a Connection delivers inbound
// traffic through. A nil callback drops that event. SetEvents must be called
// exactly once, after which the connection starts dispatching.
type ConnectionEvents struct {
	// Op delivers sequenced messages for a document.
	Op func(documentID string, msgs []SequencedMessage)

	// OpContent delivers an out-of-band content attachment.
	OpContent func(msg ContentMessage)

	// Signal delivers an out-of-band signal.
	Signal func(sig Signal)

	// Nack reports the server rejecting a write attempt; target is the
	// sequence number the rejection refers to, or -1.
	Nack func(target int64)

	// Disconnect reports the server or transport ending the connection.
	Disconnect func(reason string)

	// Error reports a transport failure.
	Error func(err error)

	// Pong reports a latency measurement.
	Pong func(latency time.Duration)
}

// Connection is a live delta stream connection.
type Connection interface {
	// Details returns the negotiated connection details.
	Details() ConnectionDetails

	// SetEvents installs the inbound event callbacks and starts dispatch.
	SetEvents(events ConnectionEvents)

	// Submit sends a batch of messages.
	Submit(msgs []OutboundMessage) error

	// SubmitAsync sends a batch and waits for the transport to accept it.
	SubmitAsync(ctx context.Context, msgs []OutboundMessage) error

	// SubmitSignal sends an out-of-band signal.
	SubmitSignal(content json.RawMessage) error

	// Close tears down the connection. It is idempotent.
	Close() error
}

// DeltaStorage is the bounded REST history endpoint. Get returns messages
// with sequence numbers in the exclusive range (from, to); it may return
// more than requested.
type DeltaStorage interface {
	Get(ctx context.Context, from, to int64) ([]SequencedMessage, error)
}

// DocumentService provides the two transports for a document.
type DocumentService interface {
	// ConnectToDeltaStream opens the realtime stream.
	ConnectToDeltaStream(ctx context.Context, client ClientDetails, mode ConnectionMode) (Connection, error)

	// ConnectToDeltaStorage opens the history endpoint.
	ConnectToDeltaStorage(ctx context.Context) (DeltaStorage, error)
}

// ProcessResult is the handler's verdict on a processed message.
type ProcessResult struct {
	// ImmediateNoOp requests an immediate acknowledgement instead of the
	// delayed ack timer.
	ImmediateNoOp bool
}

// Handler applies processed messages and signals in order.
type Handler interface {
	// Process applies one sequenced message. A returned error is fatal for
	// the inbound pipeline.
	Process(msg SequencedMessage) (ProcessResult, error)

	// ProcessSignal applies one signal.
	ProcessSignal(sig Signal) error
}

// FileEntry scopes cache entries to a single file.
type FileEntry struct {
	DocumentID  string `json:"documentId"`
	ResolvedURL string `json:"resolvedUrl,omitempty"`
}

// CacheEntry addresses a single cached artifact within a file.
type CacheEntry struct {
	File FileEntry `json:"file"`
	Type string    `json:"type"`
	Key  string    `json:"key"`
}

// CachedValue is a persisted artifact stamped with the epoch it was written
// under. Values whose FluidEpoch differs from the current epoch are
// inadmissible.
type CachedValue struct {
	FluidEpoch string          `json:"fluidEpoch"`
	Value      json.RawMessage `json:"value"`

	// OpCount is the sequence number the artifact was produced at; used to
	// gate admission against a caller-supplied maximum.
	OpCount int64 `json:"opCount,omitempty"`
}

// PersistentCache stores file-scoped artifacts across sessions. The epoch
// tracker is its sole writer.
type PersistentCache interface {
	// Get returns the cached value for entry, or nil when absent or when
	// maxOpCount > 0 and the value's OpCount exceeds it.
	Get(ctx context.Context, entry CacheEntry, maxOpCount int64) (*CachedValue, error)

	// Put stores a value for entry.
	Put(ctx context.Context, entry CacheEntry, value CachedValue) error

	// RemoveEntries deletes every entry scoped to file.
	RemoveEntries(ctx context.Context, file FileEntry) error
}
