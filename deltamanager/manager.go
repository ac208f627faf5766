// Package deltamanager maintains a totally ordered stream of sequenced
// operations between a client and a document service. It owns the realtime
// connection lifecycle, the inbound and outbound pipelines, gap-fill fetches
// over the history endpoint, and the content side-channel.
package deltamanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	fluidsync "github.com/fluidsync/client-go"
	"github.com/fluidsync/client-go/internal/deferred"
	"github.com/fluidsync/client-go/queue"
)

// MSN window telemetry: log when (sequenceNumber - minimumSequenceNumber)
// first reaches the floor, then every step beyond it.
const (
	msnWindowFloor = 30
	msnWindowStep  = 20
)

// immediateNoOpContents is the sentinel payload of an immediate
// acknowledgement; scheduled acks carry null.
var immediateNoOpContents = json.RawMessage(`""`)

// Config tunes a DeltaManager. Zero-valued delays, sizes and batch bounds
// are completed from DefaultConfig; Reconnect is used as given, so a zero
// Config does not reconnect.
type Config struct {
	// Client identifies this client to the document service.
	Client fluidsync.ClientDetails

	// Reconnect enables the automatic reconnect ladder on disconnect.
	Reconnect bool

	// InitialReconnectDelay is the first reconnect backoff step.
	InitialReconnectDelay time.Duration

	// MaxReconnectDelay caps the reconnect backoff.
	MaxReconnectDelay time.Duration

	// AckDelay is how long to wait before acknowledging with a no-op.
	AckDelay time.Duration

	// ContentBufferSize bounds the content side-channel cache.
	ContentBufferSize int

	// MaxBatchDeltas bounds one history fetch.
	MaxBatchDeltas int64

	// MissingFetchDelay is the base retry delay for empty or failed
	// fetches.
	MissingFetchDelay time.Duration

	// MaxFetchDelay caps the fetch retry delay.
	MaxFetchDelay time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Reconnect:             true,
		InitialReconnectDelay: fluidsync.InitialReconnectDelay,
		MaxReconnectDelay:     fluidsync.MaxReconnectDelay,
		AckDelay:              fluidsync.DefaultAckDelay,
		ContentBufferSize:     fluidsync.DefaultContentBufferSize,
		MaxBatchDeltas:        fluidsync.MaxBatchDeltas,
		MissingFetchDelay:     fluidsync.MissingFetchDelay,
		MaxFetchDelay:         fluidsync.MaxFetchDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialReconnectDelay == 0 {
		c.InitialReconnectDelay = d.InitialReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if c.AckDelay == 0 {
		c.AckDelay = d.AckDelay
	}
	if c.ContentBufferSize == 0 {
		c.ContentBufferSize = d.ContentBufferSize
	}
	if c.MaxBatchDeltas == 0 {
		c.MaxBatchDeltas = d.MaxBatchDeltas
	}
	if c.MissingFetchDelay == 0 {
		c.MissingFetchDelay = d.MissingFetchDelay
	}
	if c.MaxFetchDelay == 0 {
		c.MaxFetchDelay = d.MaxFetchDelay
	}
	return c
}

// DeltaManager mediates the ordered delta stream for one document. It
// exclusively owns its four queues, the current connection, and all
// sequence counters.
type DeltaManager struct {
	service fluidsync.DocumentService
	cfg     Config
	events  Events
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// flushMu serializes Flush so batches reach the outbound queue in
	// flush order.
	flushMu sync.Mutex

	mu     sync.Mutex
	closed bool

	handler         fluidsync.Handler
	handlerAttached bool

	conn          fluidsync.Connection
	connDetails   *fluidsync.ConnectionDetails
	mode          fluidsync.ConnectionMode
	reconnectMode fluidsync.ConnectionMode
	connecting    bool
	connectWait   *deferred.Deferred[fluidsync.ConnectionDetails]

	storage fluidsync.DeltaStorage

	baseSeq       int64
	minSeq        int64
	lastQueuedSeq int64

	clientSeq         int64
	clientSeqObserved int64

	pending        []fluidsync.SequencedMessage
	fetching       bool
	duplicateCount int64
	joined         bool

	buffer   []fluidsync.OutboundMessage
	ackTimer *time.Timer

	msnWindowMark int64

	inboundPending *queue.Queue[fluidsync.SequencedMessage]
	inbound        *queue.Queue[fluidsync.SequencedMessage]
	inboundSignal  *queue.Queue[fluidsync.Signal]
	outbound       *queue.Queue[[]fluidsync.OutboundMessage]

	contents *contentCache
}

// New creates a DeltaManager for one document. All queues start paused; the
// outbound queue resumes on connect, the inbound queues resume when
// AttachOpHandler is called with resume=true. logger may be nil.
func New(service fluidsync.DocumentService, cfg Config, events Events, logger *zap.Logger) *DeltaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &DeltaManager{
		service:       service,
		cfg:           cfg.withDefaults(),
		events:        events,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		mode:          fluidsync.ConnectionModeRead,
		reconnectMode: fluidsync.ConnectionModeWrite,
		msnWindowMark: msnWindowFloor,
	}
	m.contents = newContentCache(m.cfg.ContentBufferSize, logger)
	m.inboundPending = queue.New(m.processPendingContent, m.queueError)
	m.inbound = queue.New(m.processMessage, m.queueError)
	m.inboundSignal = queue.New(m.processSignal, m.queueError)
	m.outbound = queue.New(m.processOutbound, m.queueError)
	return m
}

// InboundPending is the read-only handle of the pending-content stage.
func (m *DeltaManager) InboundPending() queue.Info { return m.inboundPending }

// Inbound is the read-only handle of the inbound op queue.
func (m *DeltaManager) Inbound() queue.Info { return m.inbound }

// InboundSignal is the read-only handle of the signal queue.
func (m *DeltaManager) InboundSignal() queue.Info { return m.inboundSignal }

// Outbound is the read-only handle of the outbound queue.
func (m *DeltaManager) Outbound() queue.Info { return m.outbound }

// BaseSequenceNumber returns the sequence number of the last processed
// message.
func (m *DeltaManager) BaseSequenceNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseSeq
}

// MinimumSequenceNumber returns the last observed minimum sequence number.
func (m *DeltaManager) MinimumSequenceNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minSeq
}

// LastQueuedSequenceNumber returns the highest contiguously queued sequence
// number.
func (m *DeltaManager) LastQueuedSequenceNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQueuedSeq
}

// DuplicateCount returns how many already-queued messages were discarded.
func (m *DeltaManager) DuplicateCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicateCount
}

// ConnectionMode returns the current connection mode; read when
// disconnected.
func (m *DeltaManager) ConnectionMode() fluidsync.ConnectionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// AttachOpHandler installs the handler and seeds the sequence counters.
// minSeq and seq come from the loaded snapshot. With resume=true the
// inbound pipelines start and the manager catches up: buffered pending
// messages are replayed, otherwise an unbounded fetch from seq runs.
func (m *DeltaManager) AttachOpHandler(minSeq, seq int64, handler fluidsync.Handler, resume bool) {
	m.mu.Lock()
	m.handler = handler
	m.handlerAttached = true
	m.baseSeq = seq
	m.minSeq = minSeq
	m.lastQueuedSeq = seq
	hasPending := len(m.pending) > 0
	m.mu.Unlock()

	if !resume {
		return
	}
	m.inboundPending.Resume()
	m.inbound.Resume()
	m.inboundSignal.Resume()
	if hasPending {
		m.catchUp("DocumentOpen", nil)
	} else {
		m.fetchMissingDeltas("DocumentOpen", seq, nil)
	}
}

// Submit queues a message for sequencing and returns its client sequence
// number. Batched submits stay in the message buffer until Flush; unbatched
// submits flush the prior buffer, enqueue, and flush again. System-typed
// messages are rewritten so their payload travels in the data field.
func (m *DeltaManager) Submit(typ fluidsync.MessageType, contents json.RawMessage, batched bool) (int64, error) {
	if !batched {
		m.Flush()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fluidsync.ErrClosed
	}
	m.stopAckTimerLocked()
	m.clientSeq++
	msg := fluidsync.OutboundMessage{
		ClientSequenceNumber:    m.clientSeq,
		ReferenceSequenceNumber: m.baseSeq,
		Type:                    typ,
		Contents:                contents,
	}
	if typ.IsSystem() {
		msg.Data = contents
		msg.Contents = nil
	}
	m.buffer = append(m.buffer, msg)
	m.mu.Unlock()

	m.emitSubmitOp(msg)
	if !batched {
		m.Flush()
	}
	return msg.ClientSequenceNumber, nil
}

// SubmitSignal sends an out-of-band signal over the live connection.
func (m *DeltaManager) SubmitSignal(content json.RawMessage) error {
	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fluidsync.ErrClosed
	}
	if conn == nil {
		return fluidsync.ErrNotConnected
	}
	return conn.SubmitSignal(content)
}

// Flush moves the message buffer, as one batch, onto the outbound queue.
func (m *DeltaManager) Flush() {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	batch := m.buffer
	m.buffer = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	m.emitPrepareSend(batch)
	if err := m.outbound.Push(batch); err != nil {
		m.logger.Debug("dropping outbound batch on closed queue", zap.Int("size", len(batch)))
	}
}

// Close tears the manager down: closes the connection, rejects an in-flight
// connect, clears all queues, and drops pending messages. Idempotent.
func (m *DeltaManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.connDetails = nil
	wait := m.connectWait
	m.connectWait = nil
	m.stopAckTimerLocked()
	m.pending = nil
	m.buffer = nil
	m.mu.Unlock()

	m.cancel()
	if wait != nil {
		wait.Reject(fluidsync.ErrClosed)
	}
	var err error
	if conn != nil {
		err = multierr.Append(err, conn.Close())
	}
	m.contents.cancelWait()
	for _, stop := range []func(){
		m.inboundPending.Close, m.inbound.Close, m.inboundSignal.Close, m.outbound.Close,
	} {
		stop()
	}
	return err
}

func (m *DeltaManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// fatal reports err and closes the manager.
func (m *DeltaManager) fatal(err error) {
	if m.isClosed() {
		return
	}
	m.logger.Error("closing delta manager", zap.Error(err))
	m.emitError(err)
	m.Close()
}

// queueError is the error sink shared by the four queues.
func (m *DeltaManager) queueError(err error) {
	m.fatal(err)
}

// enqueueMessages runs the ordering algorithm over a batch of sequenced
// messages. Before the op handler is attached everything lands in pending.
func (m *DeltaManager) enqueueMessages(msgs []fluidsync.SequencedMessage) {
	var gapFrom, gapTo int64
	gap := false

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.handlerAttached {
		m.pending = append(m.pending, msgs...)
		m.mu.Unlock()
		return
	}
	for _, msg := range msgs {
		switch {
		case msg.SequenceNumber == m.lastQueuedSeq+1:
			m.lastQueuedSeq = msg.SequenceNumber
			if err := m.inboundPending.Push(msg); err != nil {
				m.mu.Unlock()
				return
			}
		case msg.SequenceNumber > m.lastQueuedSeq+1:
			m.pending = append(m.pending, msg)
			if !gap {
				gap = true
				gapFrom = m.lastQueuedSeq
				gapTo = msg.SequenceNumber
			}
		default:
			m.duplicateCount++
		}
	}
	m.mu.Unlock()

	if gap {
		m.fetchMissingDeltas("Gap", gapFrom, &gapTo)
	}
}

// catchUp enqueues freshly fetched messages, then sorts and replays the
// prior pending list.
func (m *DeltaManager) catchUp(reason string, msgs []fluidsync.SequencedMessage) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.logger.Debug("catching up",
		zap.String("reason", reason),
		zap.Int("fetched", len(msgs)),
		zap.Int("pending", len(pending)))

	m.enqueueMessages(msgs)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].SequenceNumber < pending[j].SequenceNumber
	})
	m.enqueueMessages(pending)

	m.mu.Lock()
	caughtUp := len(m.pending) == 0 && !m.fetching
	m.mu.Unlock()
	if caughtUp {
		m.emitCaughtUp()
	}
}

// processPendingContent resolves the content side-channel for one message,
// then forwards it to the inbound queue.
func (m *DeltaManager) processPendingContent(msg fluidsync.SequencedMessage) error {
	if msg.Contents == nil && msg.Type == fluidsync.MessageTypeOperation {
		contents, err := m.fetchOpContent(msg)
		if err != nil {
			return err
		}
		msg.Contents = contents
	}
	return m.inbound.Push(msg)
}

// fetchOpContent waits briefly for the content to arrive over the
// side-channel, then falls back to fetching the single op from storage.
func (m *DeltaManager) fetchOpContent(msg fluidsync.SequencedMessage) (json.RawMessage, error) {
	wait := m.contents.waitFor(msg.ClientID, msg.ClientSequenceNumber)
	timer := time.NewTimer(m.cfg.MissingFetchDelay)
	defer timer.Stop()

	select {
	case contents := <-wait:
		return contents, nil
	case <-m.ctx.Done():
		m.contents.cancelWait()
		return nil, m.ctx.Err()
	case <-timer.C:
	}
	m.contents.cancelWait()
	// Last arrival may have raced the cancellation.
	select {
	case contents := <-wait:
		return contents, nil
	default:
	}

	to := msg.SequenceNumber + 1
	fetched, err := m.GetDeltas(m.ctx, "OpContent", msg.SequenceNumber-1, &to)
	if err != nil {
		return nil, err
	}
	for _, f := range fetched {
		if f.SequenceNumber == msg.SequenceNumber && f.Contents != nil {
			return f.Contents, nil
		}
	}
	return nil, fmt.Errorf("deltamanager: no content for op %d from client %q", msg.SequenceNumber, msg.ClientID)
}

// processMessage applies one sequenced message via the handler and runs the
// acknowledgement scheduler.
func (m *DeltaManager) processMessage(msg fluidsync.SequencedMessage) error {
	start := time.Now()

	m.mu.Lock()
	if msg.SequenceNumber != m.baseSeq+1 {
		err := fmt.Errorf("deltamanager: non-contiguous sequence number %d, expected %d", msg.SequenceNumber, m.baseSeq+1)
		m.mu.Unlock()
		return err
	}
	if msg.MinimumSequenceNumber < m.minSeq {
		err := fmt.Errorf("deltamanager: minimum sequence number moved backwards from %d to %d", m.minSeq, msg.MinimumSequenceNumber)
		m.mu.Unlock()
		return err
	}
	m.minSeq = msg.MinimumSequenceNumber
	m.baseSeq = msg.SequenceNumber

	own := m.connDetails != nil && msg.ClientID == m.connDetails.ClientID
	if own {
		if msg.ClientSequenceNumber < m.clientSeqObserved {
			err := fmt.Errorf("deltamanager: client sequence number moved backwards from %d to %d", m.clientSeqObserved, msg.ClientSequenceNumber)
			m.mu.Unlock()
			return err
		}
		if msg.ClientSequenceNumber > m.clientSeq {
			err := fmt.Errorf("deltamanager: acknowledgement for unsent client sequence number %d", msg.ClientSequenceNumber)
			m.mu.Unlock()
			return err
		}
		m.clientSeqObserved = msg.ClientSequenceNumber
	}
	m.trackQuorumLocked(msg)

	if window := msg.SequenceNumber - msg.MinimumSequenceNumber; window >= m.msnWindowMark {
		m.logger.Info("minimum sequence number window growing",
			zap.Int64("window", window),
			zap.Int64("sequenceNumber", msg.SequenceNumber),
			zap.Int64("minimumSequenceNumber", msg.MinimumSequenceNumber))
		m.msnWindowMark += msnWindowStep
	}

	handler := m.handler
	allAckd := own && m.clientSeqObserved == m.clientSeq
	m.mu.Unlock()

	result, err := handler.Process(msg)
	if err != nil {
		return err
	}
	m.emitProcessTime(time.Since(start))
	if allAckd {
		m.emitAllSentOpsAckd()
	}
	m.scheduleAck(msg, result)
	return nil
}

// trackQuorumLocked follows our own join/leave so the ack scheduler knows
// whether this client participates in minimum sequence number updates.
func (m *DeltaManager) trackQuorumLocked(msg fluidsync.SequencedMessage) {
	if msg.Type != fluidsync.MessageTypeClientJoin && msg.Type != fluidsync.MessageTypeClientLeave {
		return
	}
	payload := msg.Data
	if payload == nil {
		payload = msg.Contents
	}
	var member struct {
		ClientID string `json:"clientId"`
	}
	if err := json.Unmarshal(payload, &member); err != nil {
		// Some quorum payloads are a bare client id string.
		var id string
		if json.Unmarshal(payload, &id) != nil {
			return
		}
		member.ClientID = id
	}
	if m.connDetails == nil || member.ClientID != m.connDetails.ClientID {
		return
	}
	m.joined = msg.Type == fluidsync.MessageTypeClientJoin
}

// activeLocked reports whether this client participates in minimum sequence
// number updates: in quorum and connected for write.
func (m *DeltaManager) activeLocked() bool {
	return m.joined && m.mode == fluidsync.ConnectionModeWrite && m.conn != nil
}

// scheduleAck bounds MSN lag: active clients answer processed ops with a
// no-op, either immediately on request or on a delayed timer. At most one
// timer is armed; Submit cancels it.
func (m *DeltaManager) scheduleAck(msg fluidsync.SequencedMessage, result fluidsync.ProcessResult) {
	m.mu.Lock()
	if m.closed || !m.activeLocked() {
		m.mu.Unlock()
		return
	}
	if result.ImmediateNoOp {
		m.mu.Unlock()
		if _, err := m.Submit(fluidsync.MessageTypeNoOp, immediateNoOpContents, false); err != nil {
			m.logger.Debug("immediate no-op dropped", zap.Error(err))
		}
		return
	}
	if m.ackTimer == nil && msg.Type != fluidsync.MessageTypeNoOp {
		m.ackTimer = time.AfterFunc(m.cfg.AckDelay, m.ackTimerFired)
	}
	m.mu.Unlock()
}

func (m *DeltaManager) ackTimerFired() {
	m.mu.Lock()
	fired := m.ackTimer != nil
	m.ackTimer = nil
	active := !m.closed && m.activeLocked()
	m.mu.Unlock()
	if !fired || !active {
		return
	}
	if _, err := m.Submit(fluidsync.MessageTypeNoOp, nil, false); err != nil {
		m.logger.Debug("scheduled no-op dropped", zap.Error(err))
	}
}

func (m *DeltaManager) stopAckTimerLocked() {
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
}

// processSignal parses a signal's content and hands it to the handler.
func (m *DeltaManager) processSignal(sig fluidsync.Signal) error {
	if len(sig.Content) > 0 && !json.Valid(sig.Content) {
		return fmt.Errorf("deltamanager: malformed signal content from client %q", sig.ClientID)
	}
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler.ProcessSignal(sig)
}

// processOutbound submits one batch over the live connection. A batch that
// raced a disconnect is dropped; the outbound queue was cleared with it.
func (m *DeltaManager) processOutbound(batch []fluidsync.OutboundMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.SubmitAsync(m.ctx, batch)
	if err == nil {
		return nil
	}
	// A submit failure is a connection failure, not a pipeline failure:
	// hand it to the connection state machine and let the ladder decide.
	m.disconnectFrom(conn, "submit", err)
	return nil
}
