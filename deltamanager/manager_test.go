package deltamanager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	fluidsync "github.com/fluidsync/client-go"
	"github.com/fluidsync/client-go/fluidsynctest"
)

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

// testHandler records processed messages and signals.
type testHandler struct {
	mu        sync.Mutex
	msgs      []fluidsync.SequencedMessage
	signals   []fluidsync.Signal
	immediate bool
	err       error
}

func (h *testHandler) Process(msg fluidsync.SequencedMessage) (fluidsync.ProcessResult, error) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	return fluidsync.ProcessResult{ImmediateNoOp: h.immediate}, h.err
}

func (h *testHandler) ProcessSignal(sig fluidsync.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	return nil
}

func (h *testHandler) seqs() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.msgs))
	for i, m := range h.msgs {
		out[i] = m.SequenceNumber
	}
	return out
}

func (h *testHandler) signalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals)
}

// eventLog records emitted manager events in order.
type eventLog struct {
	mu     sync.Mutex
	names  []string
	errs   []error
	delays []time.Duration
}

func (e *eventLog) add(name string) {
	e.mu.Lock()
	e.names = append(e.names, name)
	e.mu.Unlock()
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

func (e *eventLog) has(name string) bool {
	for _, n := range e.list() {
		if n == name {
			return true
		}
	}
	return false
}

func (e *eventLog) events() Events {
	return Events{
		Connect:        func(fluidsync.ConnectionDetails) { e.add("connect") },
		Disconnect:     func(string) { e.add("disconnect") },
		Error:          func(err error) { e.mu.Lock(); e.errs = append(e.errs, err); e.mu.Unlock(); e.add("error") },
		CaughtUp:       func() { e.add("caughtUp") },
		AllSentOpsAckd: func() { e.add("allSentOpsAckd") },
		ConnectionDelay: func(d time.Duration) {
			e.mu.Lock()
			e.delays = append(e.delays, d)
			e.mu.Unlock()
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Client = fluidsync.ClientDetails{UserID: "tester"}
	cfg.InitialReconnectDelay = time.Millisecond
	cfg.MaxReconnectDelay = 8 * time.Millisecond
	cfg.MissingFetchDelay = time.Millisecond
	cfg.MaxFetchDelay = 20 * time.Millisecond
	cfg.AckDelay = 20 * time.Millisecond
	return cfg
}

func op(seq, msn int64) fluidsync.SequencedMessage {
	return fluidsync.SequencedMessage{
		SequenceNumber:        seq,
		MinimumSequenceNumber: msn,
		ClientID:              "other",
		ClientSequenceNumber:  seq,
		Type:                  fluidsync.MessageTypeOperation,
		Contents:              json.RawMessage(`{}`),
	}
}

func joinMsg(seq, msn int64, clientID string) fluidsync.SequencedMessage {
	return fluidsync.SequencedMessage{
		SequenceNumber:        seq,
		MinimumSequenceNumber: msn,
		ClientID:              clientID,
		Type:                  fluidsync.MessageTypeClientJoin,
		Data:                  json.RawMessage(`{"clientId":"` + clientID + `"}`),
	}
}

func connect(t *testing.T, mgr *DeltaManager) fluidsync.ConnectionDetails {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	details, err := mgr.Connect(ctx, "test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return details
}

func TestHappyPathOrdering(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	svc.LastConnection().EmitOp(op(1, 0), op(2, 0), op(3, 1))

	waitCond(t, func() bool { return len(handler.seqs()) == 3 })
	for i, seq := range handler.seqs() {
		if seq != int64(i+1) {
			t.Fatalf("seqs = %v, want 1,2,3", handler.seqs())
		}
	}
	if got := mgr.BaseSequenceNumber(); got != 3 {
		t.Errorf("baseSeq = %d, want 3", got)
	}
	if got := mgr.MinimumSequenceNumber(); got != 1 {
		t.Errorf("minSeq = %d, want 1", got)
	}
}

func TestGapFilledFromStorage(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.Storage().Add(op(2, 0), op(3, 0))
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	svc.LastConnection().EmitOp(op(1, 0), op(4, 0))

	waitCond(t, func() bool { return len(handler.seqs()) == 4 })
	for i, seq := range handler.seqs() {
		if seq != int64(i+1) {
			t.Fatalf("seqs = %v, want 1,2,3,4", handler.seqs())
		}
	}
	waitCond(t, func() bool { return events.has("caughtUp") })
	if got := mgr.LastQueuedSequenceNumber(); got != 4 {
		t.Errorf("lastQueuedSeq = %d, want 4", got)
	}
}

func TestDuplicatesDiscarded(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	svc.LastConnection().EmitOp(op(1, 0), op(2, 0), op(2, 0), op(3, 0))

	waitCond(t, func() bool { return len(handler.seqs()) == 3 })
	seqs := handler.seqs()
	if seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("seqs = %v, want 1,2,3", seqs)
	}
	if got := mgr.DuplicateCount(); got != 1 {
		t.Errorf("duplicateCount = %d, want 1", got)
	}
}

func TestTotalOrderUnderShuffledArrival(t *testing.T) {
	const n = 40
	svc := fluidsynctest.NewMockService()
	for i := int64(1); i <= n; i++ {
		svc.Storage().Add(op(i, 0))
	}
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	// Deliver the even half out of order; the fetcher supplies the rest.
	conn := svc.LastConnection()
	for i := int64(n); i >= 2; i -= 2 {
		conn.EmitOp(op(i, 0))
	}

	waitCond(t, func() bool { return len(handler.seqs()) == n })
	seqs := handler.seqs()
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("seqs[%d] = %d, want %d (delivery must be total-ordered, exactly once)", i, seq, i+1)
		}
	}
}

func TestReconnectOnNack(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeRead}
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	first := svc.LastConnection()

	first.EmitNack(-1)

	waitCond(t, func() bool { return len(svc.Connections()) == 2 })
	if !first.Closed() {
		t.Error("nacked connection should be closed")
	}
	modes := svc.RequestedModes()
	if modes[len(modes)-1] != fluidsync.ConnectionModeWrite {
		t.Errorf("reconnect mode = %q, want write", modes[len(modes)-1])
	}

	names := events.list()
	sawDisconnect := false
	orderOK := false
	for _, n := range names {
		if n == "disconnect" {
			sawDisconnect = true
		}
		if n == "connect" && sawDisconnect {
			orderOK = true
		}
	}
	if !orderOK {
		t.Errorf("events = %v, want disconnect before a reconnect", names)
	}
}

func TestOutboundPausedAndClearedOnDisconnect(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	cfg := testConfig()
	cfg.Reconnect = false
	mgr := New(svc, cfg, Events{}, nil)
	defer mgr.Close()

	connect(t, mgr)
	conn := svc.LastConnection()
	waitCond(t, func() bool { return !mgr.Outbound().Paused() })

	conn.EmitDisconnect("server shutdown")
	waitCond(t, func() bool { return mgr.Outbound().Paused() })
	if got := mgr.Outbound().Len(); got != 0 {
		t.Errorf("outbound len = %d after disconnect, want 0", got)
	}
	if got := mgr.ConnectionMode(); got != fluidsync.ConnectionModeRead {
		t.Errorf("mode = %q after disconnect, want read", got)
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.FailNextConnects(
		fluidsync.NewDriverError("socket refused", fluidsync.ErrorTypeGeneric, 0),
		fluidsync.NewDriverError("socket refused", fluidsync.ErrorTypeGeneric, 0),
	)
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	connect(t, mgr)

	events.mu.Lock()
	delays := len(events.delays)
	events.mu.Unlock()
	if delays != 2 {
		t.Errorf("connectionDelay events = %d, want 2", delays)
	}
}

func TestConnectFatalOnPermanentError(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	fatal := &fluidsync.DriverError{Message: "forbidden", ErrorType: fluidsync.ErrorTypeGeneric, StatusCode: 403, CanRetry: false}
	svc.FailNextConnects(fatal)
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := mgr.Connect(ctx, "test")
	if !errors.Is(err, fatal) {
		t.Fatalf("connect = %v, want %v", err, fatal)
	}
	waitCond(t, func() bool { return events.has("error") })
	waitCond(t, func() bool {
		_, serr := mgr.Submit(fluidsync.MessageTypeOperation, json.RawMessage(`{}`), true)
		return errors.Is(serr, fluidsync.ErrClosed)
	})
}

func TestMSNRegressionIsFatal(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	conn := svc.LastConnection()
	conn.EmitOp(op(1, 1))
	waitCond(t, func() bool { return len(handler.seqs()) == 1 })
	conn.EmitOp(op(2, 0)) // MSN moved backwards

	waitCond(t, func() bool { return events.has("error") })
	waitCond(t, func() bool {
		_, err := mgr.Submit(fluidsync.MessageTypeOperation, nil, true)
		return errors.Is(err, fluidsync.ErrClosed)
	})
}

func TestSubmitAndFlushBatches(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeWrite}
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	conn := svc.LastConnection()

	csn1, err := mgr.Submit(fluidsync.MessageTypeOperation, json.RawMessage(`{"a":1}`), true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	csn2, _ := mgr.Submit(fluidsync.MessageTypeOperation, json.RawMessage(`{"a":2}`), true)
	if csn2 != csn1+1 {
		t.Errorf("client sequence numbers = %d, %d, want consecutive", csn1, csn2)
	}
	mgr.Flush()

	waitCond(t, func() bool { return len(conn.Batches()) == 1 })
	batch := conn.Batches()[0]
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].ReferenceSequenceNumber != 0 {
		t.Errorf("refSeq = %d, want 0", batch[0].ReferenceSequenceNumber)
	}
}

func TestSystemMessagePayloadMovesToData(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	connect(t, mgr)
	conn := svc.LastConnection()

	payload := json.RawMessage(`{"reason":"leaving"}`)
	if _, err := mgr.Submit(fluidsync.MessageTypeClientLeave, payload, false); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitCond(t, func() bool { return len(conn.SubmittedMessages()) == 1 })
	msg := conn.SubmittedMessages()[0]
	if msg.Contents != nil {
		t.Errorf("contents = %s, want null for system message", msg.Contents)
	}
	if string(msg.Data) != string(payload) {
		t.Errorf("data = %s, want %s", msg.Data, payload)
	}
}

func TestAckTimerSubmitsNoOp(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeWrite}
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	conn := svc.LastConnection()

	conn.EmitOp(joinMsg(1, 0, "me"), op(2, 0))

	waitCond(t, func() bool {
		for _, m := range conn.SubmittedMessages() {
			if m.Type == fluidsync.MessageTypeNoOp {
				return true
			}
		}
		return false
	})
	for _, m := range conn.SubmittedMessages() {
		if m.Type == fluidsync.MessageTypeNoOp && m.Data != nil {
			t.Errorf("scheduled no-op payload = %s, want null", m.Data)
		}
	}
}

func TestNoAckWhenInactive(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeRead}
	cfg := testConfig()
	mgr := New(svc, cfg, Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	conn := svc.LastConnection()

	conn.EmitOp(joinMsg(1, 0, "me"), op(2, 0))
	waitCond(t, func() bool { return len(handler.seqs()) == 2 })
	time.Sleep(5 * cfg.AckDelay)

	for _, m := range conn.SubmittedMessages() {
		if m.Type == fluidsync.MessageTypeNoOp {
			t.Fatal("read client must not acknowledge with no-ops")
		}
	}
}

func TestSubmitCancelsAckTimer(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeWrite}
	cfg := testConfig()
	cfg.AckDelay = 100 * time.Millisecond
	mgr := New(svc, cfg, Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	conn := svc.LastConnection()

	conn.EmitOp(joinMsg(1, 0, "me"), op(2, 0))
	waitCond(t, func() bool { return len(handler.seqs()) == 2 })

	if _, err := mgr.Submit(fluidsync.MessageTypeOperation, json.RawMessage(`{}`), false); err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(2 * cfg.AckDelay)

	for _, m := range conn.SubmittedMessages() {
		if m.Type == fluidsync.MessageTypeNoOp {
			t.Fatal("submit should cancel the pending ack timer")
		}
	}
}

func TestImmediateNoOp(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeWrite}
	cfg := testConfig()
	cfg.AckDelay = time.Second
	mgr := New(svc, cfg, Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{immediate: true}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	conn := svc.LastConnection()

	conn.EmitOp(joinMsg(1, 0, "me"), op(2, 0))

	waitCond(t, func() bool {
		for _, m := range conn.SubmittedMessages() {
			if m.Type == fluidsync.MessageTypeNoOp {
				return true
			}
		}
		return false
	})
	for _, m := range conn.SubmittedMessages() {
		if m.Type == fluidsync.MessageTypeNoOp && string(m.Data) != `""` {
			t.Errorf("immediate no-op payload = %s, want \"\"", m.Data)
		}
	}
}

func TestAllSentOpsAckd(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{ClientID: "me", Mode: fluidsync.ConnectionModeWrite}
	events := &eventLog{}
	mgr := New(svc, testConfig(), events.events(), nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)
	conn := svc.LastConnection()

	csn, err := mgr.Submit(fluidsync.MessageTypeOperation, json.RawMessage(`{}`), false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ack := op(1, 0)
	ack.ClientID = "me"
	ack.ClientSequenceNumber = csn
	conn.EmitOp(ack)

	waitCond(t, func() bool { return events.has("allSentOpsAckd") })
}

func TestSignalsProcessed(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	svc.LastConnection().EmitSignal(fluidsync.Signal{ClientID: "other", Content: json.RawMessage(`{"cursor":5}`)})
	waitCond(t, func() bool { return handler.signalCount() == 1 })
}

func TestSubmitSignal(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	connect(t, mgr)
	if err := mgr.SubmitSignal(json.RawMessage(`{"cursor":1}`)); err != nil {
		t.Fatalf("submitSignal: %v", err)
	}
	if got := len(svc.LastConnection().Signals()); got != 1 {
		t.Errorf("signals = %d, want 1", got)
	}
}

func TestInitialMessagesReplayedOnAttach(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	svc.NextDetails = fluidsync.ConnectionDetails{
		ClientID:        "me",
		Mode:            fluidsync.ConnectionModeRead,
		InitialMessages: []fluidsync.SequencedMessage{op(2, 0), op(1, 0)},
	}
	mgr := New(svc, testConfig(), Events{}, nil)
	defer mgr.Close()

	handler := &testHandler{}
	connect(t, mgr)
	mgr.AttachOpHandler(0, 0, handler, true)

	waitCond(t, func() bool { return len(handler.seqs()) == 2 })
	seqs := handler.seqs()
	if seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("seqs = %v, want 1,2 (pending replay must sort)", seqs)
	}
}

func TestCloseIdempotent(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	mgr := New(svc, testConfig(), Events{}, nil)

	connect(t, mgr)
	if err := mgr.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !svc.LastConnection().Closed() {
		t.Error("close must close the live connection")
	}
	if _, err := mgr.Submit(fluidsync.MessageTypeOperation, nil, true); !errors.Is(err, fluidsync.ErrClosed) {
		t.Errorf("submit after close = %v, want ErrClosed", err)
	}
}

func TestCloseRejectsPendingConnect(t *testing.T) {
	svc := fluidsynctest.NewMockService()
	// Endless transient failures keep the ladder running.
	for i := 0; i < 100; i++ {
		svc.FailNextConnects(fluidsync.NewDriverError("refused", fluidsync.ErrorTypeGeneric, 0))
	}
	mgr := New(svc, testConfig(), Events{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Connect(context.Background(), "test")
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	mgr.Close()

	select {
	case err := <-done:
		if !errors.Is(err, fluidsync.ErrClosed) {
			t.Fatalf("connect = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after close")
	}
}
