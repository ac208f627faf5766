package deltamanager

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	fluidsync "github.com/fluidsync/client-go"
	"github.com/fluidsync/client-go/internal/deferred"
)

// Connect establishes the delta stream connection, running the reconnect
// ladder until it succeeds, the error is permanent, or ctx is done.
// Concurrent callers share the single in-flight attempt.
func (m *DeltaManager) Connect(ctx context.Context, reason string) (fluidsync.ConnectionDetails, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fluidsync.ConnectionDetails{}, fluidsync.ErrClosed
	}
	if m.connDetails != nil {
		details := *m.connDetails
		m.mu.Unlock()
		return details, nil
	}
	if m.connectWait == nil {
		m.connectWait = deferred.New[fluidsync.ConnectionDetails]()
	}
	wait := m.connectWait
	if !m.connecting {
		m.connecting = true
		go m.runConnect(reason, m.reconnectMode)
	}
	m.mu.Unlock()

	return wait.Await(ctx)
}

// runConnect drives the reconnect ladder: the initial delay doubles on each
// failed attempt up to the maximum, a server-requested delay overrides, and
// a permanent error closes the manager.
func (m *DeltaManager) runConnect(reason string, mode fluidsync.ConnectionMode) {
	ladder := backoff.NewExponentialBackOff()
	ladder.InitialInterval = m.cfg.InitialReconnectDelay
	ladder.MaxInterval = m.cfg.MaxReconnectDelay
	ladder.Multiplier = 2
	ladder.RandomizationFactor = 0
	ladder.MaxElapsedTime = 0
	ladder.Reset()

	m.logger.Debug("connecting to delta stream",
		zap.String("reason", reason),
		zap.String("mode", string(mode)))

	for {
		if m.isClosed() {
			m.doneConnecting()
			return
		}
		conn, err := m.service.ConnectToDeltaStream(m.ctx, m.cfg.Client, mode)
		if err == nil {
			// setupConnection clears the connecting flag while installing
			// the connection, so a disconnect racing this return still
			// starts a fresh ladder.
			m.setupConnection(conn)
			return
		}
		if !fluidsync.CanRetry(err) {
			m.doneConnecting()
			m.rejectConnect(err)
			m.fatal(err)
			return
		}
		delay, ok := fluidsync.RetryAfter(err)
		if !ok {
			delay = ladder.NextBackOff()
		}
		m.emitConnectionDelay(delay)
		m.logger.Debug("delta stream connection attempt failed",
			zap.Error(err),
			zap.Duration("retryIn", delay))
		select {
		case <-m.ctx.Done():
			m.doneConnecting()
			return
		case <-time.After(delay):
		}
	}
}

func (m *DeltaManager) doneConnecting() {
	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
}

// setupConnection installs a freshly established connection: resets the
// per-connection client sequence counters, resumes the outbound queue,
// subscribes to connection events, and replays server-buffered initial
// state.
func (m *DeltaManager) setupConnection(conn fluidsync.Connection) {
	details := conn.Details()

	m.mu.Lock()
	m.connecting = false
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.connDetails = &details
	m.mode = details.Mode
	if m.mode == "" {
		m.mode = fluidsync.ConnectionModeWrite
	}
	m.clientSeq = 0
	m.clientSeqObserved = 0
	m.joined = false
	wait := m.connectWait
	m.connectWait = nil
	m.mu.Unlock()

	conn.SetEvents(fluidsync.ConnectionEvents{
		Op: func(documentID string, msgs []fluidsync.SequencedMessage) {
			m.enqueueMessages(msgs)
		},
		OpContent: m.contents.set,
		Signal: func(sig fluidsync.Signal) {
			m.inboundSignal.Push(sig)
		},
		Nack: func(target int64) {
			m.onNack(conn, target)
		},
		Disconnect: func(reason string) {
			m.disconnectFrom(conn, reason, nil)
		},
		Error: func(err error) {
			m.disconnectFrom(conn, "error", err)
		},
		Pong: m.emitPong,
	})

	m.outbound.Resume()

	for _, c := range details.InitialContents {
		m.contents.set(c)
	}
	if len(details.InitialMessages) > 0 {
		m.enqueueMessages(details.InitialMessages)
	}
	for _, s := range details.InitialSignals {
		m.inboundSignal.Push(s)
	}

	m.logger.Info("delta stream connected",
		zap.String("clientId", details.ClientID),
		zap.String("mode", string(m.mode)))
	if wait != nil {
		wait.Resolve(details)
	}
	m.emitConnect(details)
}

// onNack handles the server rejecting a write: drop the connection and
// reconnect in write mode.
func (m *DeltaManager) onNack(conn fluidsync.Connection, target int64) {
	m.logger.Info("server nacked client", zap.Int64("target", target))
	m.mu.Lock()
	m.reconnectMode = fluidsync.ConnectionModeWrite
	m.mu.Unlock()
	m.disconnectFrom(conn, "nack", nil)
}

// disconnectFrom tears down the given connection if it is still current:
// mode drops to read, the outbound queue is paused and cleared, then the
// reconnect ladder restarts unless the error was permanent.
func (m *DeltaManager) disconnectFrom(conn fluidsync.Connection, reason string, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connDetails = nil
	m.mode = fluidsync.ConnectionModeRead
	m.joined = false
	m.stopAckTimerLocked()
	reconnectMode := m.reconnectMode
	m.mu.Unlock()

	m.outbound.Pause()
	m.outbound.Clear()
	m.logger.Info("delta stream disconnected", zap.String("reason", reason), zap.Error(err))
	m.emitDisconnect(reason)
	conn.Close()

	if err != nil && !fluidsync.CanRetry(err) {
		m.fatal(err)
		return
	}
	if !m.cfg.Reconnect || m.isClosed() {
		return
	}
	m.mu.Lock()
	start := !m.connecting
	if start {
		m.connecting = true
		if m.connectWait == nil {
			m.connectWait = deferred.New[fluidsync.ConnectionDetails]()
		}
	}
	m.mu.Unlock()
	if start {
		go m.runConnect(reason, reconnectMode)
	}
}

// rejectConnect fails the in-flight Connect call, if any.
func (m *DeltaManager) rejectConnect(err error) {
	m.mu.Lock()
	wait := m.connectWait
	m.connectWait = nil
	m.mu.Unlock()
	if wait != nil {
		wait.Reject(err)
	}
}
