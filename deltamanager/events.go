package deltamanager

import (
	"time"

	fluidsync "github.com/fluidsync/client-go"
)

// Events are the manager's typed lifecycle callbacks. Any callback may be
// nil. Callbacks other than PrepareSend are invoked with no manager locks
// held; PrepareSend runs while Flush holds its flush lock. Callbacks must not
// block: they run on pipeline goroutines.
type Events struct {
	// Connect fires when a delta stream connection is established.
	Connect func(details fluidsync.ConnectionDetails)

	// Disconnect fires when the live connection is lost.
	Disconnect func(reason string)

	// Error fires on a fatal error, immediately before the manager closes.
	Error func(err error)

	// Pong reports a transport latency measurement.
	Pong func(latency time.Duration)

	// ProcessTime reports how long the handler took on one message.
	ProcessTime func(d time.Duration)

	// AllSentOpsAckd fires when every submitted op has been observed back.
	AllSentOpsAckd func()

	// CaughtUp fires when a catch-up pass leaves no pending messages.
	CaughtUp func()

	// PrepareSend fires with the batch a flush is about to enqueue.
	PrepareSend func(batch []fluidsync.OutboundMessage)

	// SubmitOp fires for each submitted message.
	SubmitOp func(msg fluidsync.OutboundMessage)

	// ConnectionDelay reports the backoff chosen before a reconnect attempt.
	ConnectionDelay func(d time.Duration)
}

func (m *DeltaManager) emitConnect(details fluidsync.ConnectionDetails) {
	if m.events.Connect != nil {
		m.events.Connect(details)
	}
}

func (m *DeltaManager) emitDisconnect(reason string) {
	if m.events.Disconnect != nil {
		m.events.Disconnect(reason)
	}
}

func (m *DeltaManager) emitError(err error) {
	if m.events.Error != nil {
		m.events.Error(err)
	}
}

func (m *DeltaManager) emitPong(latency time.Duration) {
	if m.events.Pong != nil {
		m.events.Pong(latency)
	}
}

func (m *DeltaManager) emitProcessTime(d time.Duration) {
	if m.events.ProcessTime != nil {
		m.events.ProcessTime(d)
	}
}

func (m *DeltaManager) emitAllSentOpsAckd() {
	if m.events.AllSentOpsAckd != nil {
		m.events.AllSentOpsAckd()
	}
}

func (m *DeltaManager) emitCaughtUp() {
	if m.events.CaughtUp != nil {
		m.events.CaughtUp()
	}
}

func (m *DeltaManager) emitPrepareSend(batch []fluidsync.OutboundMessage) {
	if m.events.PrepareSend != nil {
		m.events.PrepareSend(batch)
	}
}

func (m *DeltaManager) emitSubmitOp(msg fluidsync.OutboundMessage) {
	if m.events.SubmitOp != nil {
		m.events.SubmitOp(msg)
	}
}

func (m *DeltaManager) emitConnectionDelay(d time.Duration) {
	if m.events.ConnectionDelay != nil {
		m.events.ConnectionDelay(d)
	}
}
