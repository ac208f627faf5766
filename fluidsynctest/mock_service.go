// Package fluidsynctest provides testing utilities for the fluidsync
// client: an in-memory document service with scriptable connections and
// delta storage, and a recording HTTP transport for the epoch tracker.
//
// Example:
//
//	func TestMyCode(t *testing.T) {
//	    svc := fluidsynctest.NewMockService()
//	    mgr := deltamanager.New(svc, deltamanager.DefaultConfig(), deltamanager.Events{}, nil)
//	    defer mgr.Close()
//
//	    details, err := mgr.Connect(ctx, "test")
//	    // ...
//	    svc.LastConnection().EmitOp(msgs...)
//	}
package fluidsynctest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	fluidsync "github.com/fluidsync/client-go"
)

// MockService is an in-memory fluidsync.DocumentService.
type MockService struct {
	mu sync.Mutex

	// connectErrs are returned, in order, before connections succeed.
	connectErrs []error

	// NextDetails seeds the details of the next connection. A zero ClientID
	// gets a random one.
	NextDetails fluidsync.ConnectionDetails

	storage        *MockStorage
	conns          []*MockConnection
	requestedModes []fluidsync.ConnectionMode
}

// NewMockService creates a service with empty storage.
func NewMockService() *MockService {
	return &MockService{storage: NewMockStorage()}
}

// Storage returns the service's mock delta storage.
func (s *MockService) Storage() *MockStorage {
	return s.storage
}

// FailNextConnects queues errors to be returned by upcoming
// ConnectToDeltaStream calls.
func (s *MockService) FailNextConnects(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErrs = append(s.connectErrs, errs...)
}

// Connections returns every connection handed out so far.
func (s *MockService) Connections() []*MockConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MockConnection, len(s.conns))
	copy(out, s.conns)
	return out
}

// RequestedModes returns the mode of every ConnectToDeltaStream call.
func (s *MockService) RequestedModes() []fluidsync.ConnectionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fluidsync.ConnectionMode, len(s.requestedModes))
	copy(out, s.requestedModes)
	return out
}

// LastConnection returns the most recent connection, or nil.
func (s *MockService) LastConnection() *MockConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// ConnectToDeltaStream implements fluidsync.DocumentService.
func (s *MockService) ConnectToDeltaStream(ctx context.Context, client fluidsync.ClientDetails, mode fluidsync.ConnectionMode) (fluidsync.Connection, error) {
	s.mu.Lock()
	s.requestedModes = append(s.requestedModes, mode)
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	details := s.NextDetails
	if details.ClientID == "" {
		details.ClientID = uuid.NewString()
	}
	if details.Mode == "" {
		details.Mode = mode
	}
	conn := newMockConnection(details)
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	return conn, nil
}

// ConnectToDeltaStorage implements fluidsync.DocumentService.
func (s *MockService) ConnectToDeltaStorage(ctx context.Context) (fluidsync.DeltaStorage, error) {
	return s.storage, nil
}

// MockConnection is a scriptable fluidsync.Connection. Emit methods block
// until SetEvents has installed callbacks, then dispatch synchronously.
type MockConnection struct {
	details fluidsync.ConnectionDetails

	mu       sync.Mutex
	events   fluidsync.ConnectionEvents
	ready    chan struct{}
	closed   bool
	batches  [][]fluidsync.OutboundMessage
	signals  []json.RawMessage
	submitFn func(batch []fluidsync.OutboundMessage) error
}

func newMockConnection(details fluidsync.ConnectionDetails) *MockConnection {
	return &MockConnection{
		details: details,
		ready:   make(chan struct{}),
	}
}

// Details implements fluidsync.Connection.
func (c *MockConnection) Details() fluidsync.ConnectionDetails { return c.details }

// SetEvents implements fluidsync.Connection.
func (c *MockConnection) SetEvents(events fluidsync.ConnectionEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// SetSubmitFunc installs a hook observing or failing submits.
func (c *MockConnection) SetSubmitFunc(fn func(batch []fluidsync.OutboundMessage) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitFn = fn
}

// Submit implements fluidsync.Connection.
func (c *MockConnection) Submit(msgs []fluidsync.OutboundMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fluidsync.ErrClosed
	}
	c.batches = append(c.batches, msgs)
	fn := c.submitFn
	c.mu.Unlock()
	if fn != nil {
		return fn(msgs)
	}
	return nil
}

// SubmitAsync implements fluidsync.Connection.
func (c *MockConnection) SubmitAsync(ctx context.Context, msgs []fluidsync.OutboundMessage) error {
	return c.Submit(msgs)
}

// SubmitSignal implements fluidsync.Connection.
func (c *MockConnection) SubmitSignal(content json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fluidsync.ErrClosed
	}
	c.signals = append(c.signals, content)
	return nil
}

// Close implements fluidsync.Connection.
func (c *MockConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *MockConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Batches returns every submitted batch.
func (c *MockConnection) Batches() [][]fluidsync.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]fluidsync.OutboundMessage, len(c.batches))
	copy(out, c.batches)
	return out
}

// SubmittedMessages flattens every submitted batch.
func (c *MockConnection) SubmittedMessages() []fluidsync.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fluidsync.OutboundMessage
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

// Signals returns every submitted signal content.
func (c *MockConnection) Signals() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, len(c.signals))
	copy(out, c.signals)
	return out
}

func (c *MockConnection) callbacks() fluidsync.ConnectionEvents {
	<-c.ready
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// EmitOp delivers sequenced messages as if from the socket.
func (c *MockConnection) EmitOp(msgs ...fluidsync.SequencedMessage) {
	if fn := c.callbacks().Op; fn != nil {
		fn("", msgs)
	}
}

// EmitOpContent delivers an out-of-band content message.
func (c *MockConnection) EmitOpContent(msg fluidsync.ContentMessage) {
	if fn := c.callbacks().OpContent; fn != nil {
		fn(msg)
	}
}

// EmitSignal delivers a signal.
func (c *MockConnection) EmitSignal(sig fluidsync.Signal) {
	if fn := c.callbacks().Signal; fn != nil {
		fn(sig)
	}
}

// EmitNack delivers a nack.
func (c *MockConnection) EmitNack(target int64) {
	if fn := c.callbacks().Nack; fn != nil {
		fn(target)
	}
}

// EmitDisconnect delivers a disconnect.
func (c *MockConnection) EmitDisconnect(reason string) {
	if fn := c.callbacks().Disconnect; fn != nil {
		fn(reason)
	}
}

// EmitError delivers a transport error.
func (c *MockConnection) EmitError(err error) {
	if fn := c.callbacks().Error; fn != nil {
		fn(err)
	}
}

// EmitPong delivers a latency measurement.
func (c *MockConnection) EmitPong(latency time.Duration) {
	if fn := c.callbacks().Pong; fn != nil {
		fn(latency)
	}
}

// MockStorage is an in-memory fluidsync.DeltaStorage with error injection.
type MockStorage struct {
	mu   sync.Mutex
	msgs []fluidsync.SequencedMessage

	// getErrs are returned, in order, before fetches succeed.
	getErrs []error

	calls [][2]int64
}

// NewMockStorage creates empty storage.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// Add stores messages, keeping the store sorted by sequence number.
func (s *MockStorage) Add(msgs ...fluidsync.SequencedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msgs...)
	sort.Slice(s.msgs, func(i, j int) bool {
		return s.msgs[i].SequenceNumber < s.msgs[j].SequenceNumber
	})
}

// FailNextGets queues errors to be returned by upcoming Get calls.
func (s *MockStorage) FailNextGets(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErrs = append(s.getErrs, errs...)
}

// Calls returns the (from, to) pair of every Get call.
func (s *MockStorage) Calls() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]int64, len(s.calls))
	copy(out, s.calls)
	return out
}

// Get implements fluidsync.DeltaStorage: exclusive bounds on both sides.
func (s *MockStorage) Get(ctx context.Context, from, to int64) ([]fluidsync.SequencedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]int64{from, to})
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return nil, err
	}
	var out []fluidsync.SequencedMessage
	for _, m := range s.msgs {
		if m.SequenceNumber > from && m.SequenceNumber < to {
			out = append(out, m)
		}
	}
	return out, nil
}
