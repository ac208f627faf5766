// Package wsdriver is a document service over a websocket delta stream and
// a REST history endpoint. History requests flow through the epoch tracker
// so every fetch carries and validates the server epoch.
package wsdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	fluidsync "github.com/fluidsync/client-go"
	"github.com/fluidsync/client-go/epoch"
)

// Socket message types.
const (
	frameConnect        = "connect_document"
	frameConnectSuccess = "connect_document_success"
	frameConnectError   = "connect_document_error"
	frameOp             = "op"
	frameOpContent      = "op-content"
	frameSignal         = "signal"
	frameNack           = "nack"
	framePong           = "pong"
	frameDisconnect     = "disconnect"
	frameSubmitOp       = "submitOp"
	frameSubmitSignal   = "submitSignal"
)

// frame is the envelope for every socket message.
type frame struct {
	Type       string                        `json:"type"`
	DocumentID string                        `json:"documentId,omitempty"`
	Client     *fluidsync.ClientDetails      `json:"client,omitempty"`
	Mode       fluidsync.ConnectionMode      `json:"mode,omitempty"`
	Details    *fluidsync.ConnectionDetails  `json:"details,omitempty"`
	Messages   []fluidsync.SequencedMessage  `json:"messages,omitempty"`
	Batch      []fluidsync.OutboundMessage   `json:"batch,omitempty"`
	Content    *fluidsync.ContentMessage     `json:"content,omitempty"`
	Signal     *fluidsync.Signal             `json:"signal,omitempty"`
	Target     int64                         `json:"target,omitempty"`
	LatencyMs  int64                         `json:"latencyMs,omitempty"`
	Reason     string                        `json:"reason,omitempty"`
	Error      string                        `json:"error,omitempty"`
	Retryable  *bool                         `json:"retryable,omitempty"`
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// SocketURL is the websocket endpoint, e.g. wss://host/socket.
	SocketURL string

	// StorageURL is the base of the REST history endpoint.
	StorageURL string

	// DocumentID selects the document.
	DocumentID string

	// Tracker annotates and validates history requests. Required.
	Tracker *epoch.Tracker

	// HandshakeTimeout bounds the websocket dial. Default 10s.
	HandshakeTimeout time.Duration

	// Logger may be nil.
	Logger *zap.Logger
}

// Service implements fluidsync.DocumentService.
type Service struct {
	cfg     ServiceConfig
	dialer  *websocket.Dialer
	tracker *epoch.Tracker
	logger  *zap.Logger
}

// NewService creates the service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		tracker: cfg.Tracker,
		logger:  logger,
	}
}

// ConnectToDeltaStream dials the socket and performs the connect handshake.
func (s *Service) ConnectToDeltaStream(ctx context.Context, client fluidsync.ClientDetails, mode fluidsync.ConnectionMode) (fluidsync.Connection, error) {
	ws, _, err := s.dialer.DialContext(ctx, s.cfg.SocketURL, nil)
	if err != nil {
		return nil, &fluidsync.DriverError{
			Message:   "socket dial failed",
			ErrorType: fluidsync.ErrorTypeGeneric,
			CanRetry:  true,
			Err:       err,
		}
	}

	req := frame{
		Type:       frameConnect,
		DocumentID: s.cfg.DocumentID,
		Client:     &client,
		Mode:       mode,
	}
	if err := ws.WriteJSON(req); err != nil {
		ws.Close()
		return nil, fmt.Errorf("wsdriver: connect request: %w", err)
	}

	var reply frame
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	}
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return nil, fmt.Errorf("wsdriver: connect reply: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	switch reply.Type {
	case frameConnectSuccess:
		if reply.Details == nil {
			ws.Close()
			return nil, &fluidsync.DriverError{
				Message:   "connect reply missing details",
				ErrorType: fluidsync.ErrorTypeGeneric,
				CanRetry:  false,
			}
		}
	case frameConnectError:
		ws.Close()
		canRetry := reply.Retryable == nil || *reply.Retryable
		return nil, &fluidsync.DriverError{
			Message:   reply.Error,
			ErrorType: fluidsync.ErrorTypeGeneric,
			CanRetry:  canRetry,
		}
	default:
		ws.Close()
		return nil, &fluidsync.DriverError{
			Message:   "unexpected connect reply " + reply.Type,
			ErrorType: fluidsync.ErrorTypeGeneric,
			CanRetry:  false,
		}
	}

	if s.tracker != nil {
		if err := s.tracker.ValidateEpochFromPush(ctx, *reply.Details); err != nil {
			ws.Close()
			return nil, err
		}
	}

	conn := &socketConnection{
		ws:         ws,
		details:    *reply.Details,
		documentID: s.cfg.DocumentID,
		logger:     s.logger,
	}
	return conn, nil
}

// ConnectToDeltaStorage returns the REST history endpoint.
func (s *Service) ConnectToDeltaStorage(ctx context.Context) (fluidsync.DeltaStorage, error) {
	if s.tracker == nil {
		return nil, fmt.Errorf("wsdriver: storage requires an epoch tracker")
	}
	return &restStorage{svc: s}, nil
}

// restStorage fetches sequenced messages over REST through the epoch
// tracker. Bounds are exclusive on both sides.
type restStorage struct {
	svc *Service
}

func (r *restStorage) Get(ctx context.Context, from, to int64) ([]fluidsync.SequencedMessage, error) {
	url := fmt.Sprintf("%s/deltas/%s?from=%d&to=%d", r.svc.cfg.StorageURL, r.svc.cfg.DocumentID, from, to)
	return epoch.FetchAndParseAsJSON[[]fluidsync.SequencedMessage](
		ctx, r.svc.tracker, url, epoch.RequestOptions{Method: http.MethodGet}, epoch.FetchTypeOps, false)
}

// socketConnection is a live websocket delta stream connection. The read
// pump starts when SetEvents installs the callbacks; frames read before
// that would have no destination.
type socketConnection struct {
	ws         *websocket.Conn
	details    fluidsync.ConnectionDetails
	documentID string
	logger     *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	events  fluidsync.ConnectionEvents
	started bool
	closed  bool
}

func (c *socketConnection) Details() fluidsync.ConnectionDetails {
	return c.details
}

func (c *socketConnection) SetEvents(events fluidsync.ConnectionEvents) {
	c.mu.Lock()
	c.events = events
	start := !c.started
	c.started = true
	c.mu.Unlock()
	if start {
		go c.readPump()
	}
}

func (c *socketConnection) Submit(msgs []fluidsync.OutboundMessage) error {
	return c.writeJSON(frame{Type: frameSubmitOp, DocumentID: c.documentID, Batch: msgs})
}

func (c *socketConnection) SubmitAsync(ctx context.Context, msgs []fluidsync.OutboundMessage) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.Submit(msgs)
}

func (c *socketConnection) SubmitSignal(content json.RawMessage) error {
	sig := fluidsync.Signal{ClientID: c.details.ClientID, Content: content}
	return c.writeJSON(frame{Type: frameSubmitSignal, DocumentID: c.documentID, Signal: &sig})
}

func (c *socketConnection) writeJSON(f frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fluidsync.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *socketConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *socketConnection) readPump() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			events := c.events
			c.mu.Unlock()
			if closed {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if events.Disconnect != nil {
					events.Disconnect("server closed connection")
				}
			} else if events.Error != nil {
				events.Error(&fluidsync.DriverError{
					Message:   "socket read failed",
					ErrorType: fluidsync.ErrorTypeGeneric,
					CanRetry:  true,
					Err:       err,
				})
			}
			return
		}

		c.mu.Lock()
		events := c.events
		c.mu.Unlock()

		switch f.Type {
		case frameOp:
			if events.Op != nil {
				events.Op(f.DocumentID, f.Messages)
			}
		case frameOpContent:
			if events.OpContent != nil && f.Content != nil {
				events.OpContent(*f.Content)
			}
		case frameSignal:
			if events.Signal != nil && f.Signal != nil {
				events.Signal(*f.Signal)
			}
		case frameNack:
			if events.Nack != nil {
				events.Nack(f.Target)
			}
		case framePong:
			if events.Pong != nil {
				events.Pong(time.Duration(f.LatencyMs) * time.Millisecond)
			}
		case frameDisconnect:
			if events.Disconnect != nil {
				events.Disconnect(f.Reason)
			}
			return
		default:
			c.logger.Debug("ignoring unknown socket frame", zap.String("type", f.Type))
		}
	}
}

// Interface guards
var (
	_ fluidsync.DocumentService = (*Service)(nil)
	_ fluidsync.Connection      = (*socketConnection)(nil)
)
