package fluidsync

import "encoding/json"

// MessageType identifies the kind of a delta message.
type MessageType string

const (
	// MessageTypeOperation is a regular document operation.
	MessageTypeOperation MessageType = "op"

	// MessageTypeNoOp carries no content; it exists to advance the
	// minimum sequence number on otherwise idle clients.
	MessageTypeNoOp MessageType = "noop"

	// MessageTypeClientJoin announces a client joining the quorum.
	MessageTypeClientJoin MessageType = "join"

	// MessageTypeClientLeave announces a client leaving the quorum.
	MessageTypeClientLeave MessageType = "leave"

	// MessageTypePropose proposes a quorum value.
	MessageTypePropose MessageType = "propose"

	// MessageTypeReject rejects a quorum proposal.
	MessageTypeReject MessageType = "reject"
)

// IsSystem reports whether the server inspects this message's payload.
// System messages are submitted with their payload in the top-level data
// field instead of contents.
func (t MessageType) IsSystem() bool {
	switch t {
	case MessageTypeClientJoin, MessageTypeClientLeave, MessageTypePropose,
		MessageTypeReject, MessageTypeNoOp:
		return true
	}
	return false
}

// Trace records a timing measurement attached to a message as it moves
// through the pipeline.
type Trace struct {
	Action    string `json:"action"`
	Service   string `json:"service"`
	Timestamp int64  `json:"timestamp"`
}

// SequencedMessage is a server-sequenced delta message. Sequence numbers are
// strictly increasing in the authoritative stream; the minimum sequence
// number never decreases across observed messages.
type SequencedMessage struct {
	SequenceNumber          int64           `json:"sequenceNumber"`
	MinimumSequenceNumber   int64           `json:"minimumSequenceNumber"`
	ClientID                string          `json:"clientId"`
	ClientSequenceNumber    int64           `json:"clientSequenceNumber"`
	ReferenceSequenceNumber int64           `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents,omitempty"`
	Data                    json.RawMessage `json:"data,omitempty"`
	Traces                  []Trace         `json:"traces,omitempty"`
	Timestamp               int64           `json:"timestamp,omitempty"`
}

// ContentMessage is an out-of-band content attachment for a sequenced
// message delivered without contents. It is uniquely keyed by
// (ClientID, ClientSequenceNumber).
type ContentMessage struct {
	ClientID             string          `json:"clientId"`
	ClientSequenceNumber int64           `json:"clientSequenceNumber"`
	Contents             json.RawMessage `json:"contents"`
}

// OutboundMessage is a client-submitted message awaiting sequencing.
// ClientSequenceNumber is strictly increasing per connection;
// ReferenceSequenceNumber is the base sequence number at submit time.
type OutboundMessage struct {
	ClientSequenceNumber    int64           `json:"clientSequenceNumber"`
	ReferenceSequenceNumber int64           `json:"referenceSequenceNumber"`
	Type                    MessageType     `json:"type"`
	Contents                json.RawMessage `json:"contents"`
	Data                    json.RawMessage `json:"data,omitempty"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
	Traces                  []Trace         `json:"traces,omitempty"`
}

// Signal is an out-of-band message with no ordering relation to ops.
type Signal struct {
	ClientID string          `json:"clientId"`
	Content  json.RawMessage `json:"content"`
}

// ConnectionMode is the requested or granted mode of a delta stream
// connection.
type ConnectionMode string

const (
	ConnectionModeRead  ConnectionMode = "read"
	ConnectionModeWrite ConnectionMode = "write"
)

// ServiceConfiguration is server-provided tuning for the connection.
type ServiceConfiguration struct {
	MaxMessageSize int `json:"maxMessageSize"`
	BlockSize      int `json:"blockSize,omitempty"`
}

// ConnectionDetails describes an established delta stream connection,
// including any messages, contents, and signals the server buffered while
// the connection was being set up.
type ConnectionDetails struct {
	ClientID             string               `json:"clientId"`
	Existing             bool                 `json:"existing,omitempty"`
	Mode                 ConnectionMode       `json:"mode"`
	Claims               string               `json:"claims,omitempty"`
	ServiceConfiguration ServiceConfiguration `json:"serviceConfiguration"`
	MaxMessageSize       int                  `json:"maxMessageSize"`
	InitialMessages      []SequencedMessage   `json:"initialMessages,omitempty"`
	InitialContents      []ContentMessage     `json:"initialContents,omitempty"`
	InitialSignals       []Signal             `json:"initialSignals,omitempty"`
	Version              string               `json:"version,omitempty"`
	Epoch                string               `json:"epoch,omitempty"`
}
